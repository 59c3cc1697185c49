package longitudinal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

func sig(z float64) *clinical.HealthSignal {
	return &clinical.HealthSignal{ZScore: z}
}

func TestCompressor_TrajectorySequence(t *testing.T) {
	// Tier sequence low, moderate, moderate, low yields trajectories
	// stable (first), worsening, stable, improving.
	c := NewCompressor(DefaultCompressorConfig())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tiers := []clinical.RiskTier{
		clinical.TierLow, clinical.TierModerate, clinical.TierModerate, clinical.TierLow,
	}
	want := []Trajectory{
		TrajectoryStable, TrajectoryWorsening, TrajectoryStable, TrajectoryImproving,
	}

	var prior *State
	for i, tier := range tiers {
		next := c.Update(prior, CheckInOutcome{Tier: tier, At: now.AddDate(0, 0, i)})
		assert.Equal(t, want[i], next.Trajectory, "check-in %d", i+1)
		assert.Equal(t, i+1, next.CheckInCount)
		prior = &next
	}
}

func TestCompressor_DriverCascade(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())

	tests := []struct {
		name      string
		screening clinical.ScreeningResponse
		health    clinical.HealthSnapshot
		want      Driver
	}{
		{
			name:      "severe screening flag dominates physiology",
			screening: clinical.ScreeningResponse{IdeationWithIntent: true},
			health:    clinical.HealthSnapshot{Sleep: sig(-3.0)},
			want:      DriverCSSRS,
		},
		{
			name:      "method counts as a severe flag",
			screening: clinical.ScreeningResponse{IdeationWithMethod: true},
			want:      DriverCSSRS,
		},
		{
			name:   "severe sleep deviation",
			health: clinical.HealthSnapshot{Sleep: sig(-2.5), HRV: sig(-2.5)},
			want:   DriverSleep,
		},
		{
			name:   "severe hrv outranks moderate sleep",
			health: clinical.HealthSnapshot{Sleep: sig(-1.7), HRV: sig(-2.5)},
			want:   DriverHRV,
		},
		{
			name:   "moderate sleep when nothing severe",
			health: clinical.HealthSnapshot{Sleep: sig(-1.7), Activity: sig(-1.6)},
			want:   DriverSleep,
		},
		{
			name:   "moderate activity alone",
			health: clinical.HealthSnapshot{Activity: sig(-1.6)},
			want:   DriverActivity,
		},
		{
			name:      "passive ideation alone maps to mood",
			screening: clinical.ScreeningResponse{PassiveIdeation: true},
			health:    clinical.HealthSnapshot{Sleep: sig(-1.0)},
			want:      DriverMood,
		},
		{
			name: "no signal at all",
			want: DriverCombined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := c.Update(nil, CheckInOutcome{
				Tier:      clinical.TierLow,
				Screening: tt.screening,
				Health:    tt.health,
				At:        time.Now(),
			})
			assert.Equal(t, tt.want, st.PrimaryDriver)
		})
	}
}

func TestCompressor_AllNegativeIsCombined(t *testing.T) {
	// All-negative screening with no physiological deviation: tier low at
	// the floor, driver combined here.
	c := NewCompressor(DefaultCompressorConfig())
	scr := clinical.ScreeningResponse{}
	require.Equal(t, clinical.TierLow, clinical.TierFromScreening(scr, clinical.DefaultFloorPolicy()))

	st := c.Update(nil, CheckInOutcome{Tier: clinical.TierLow, Screening: scr, At: time.Now()})
	assert.Equal(t, DriverCombined, st.PrimaryDriver)
}

func TestCompressor_CrisisBookkeeping(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())
	now := time.Date(2026, 5, 10, 20, 0, 0, 0, time.UTC)

	// First check-in, no crisis: the day counter stays absent.
	st := c.Update(nil, CheckInOutcome{Tier: clinical.TierModerate, At: now})
	assert.Nil(t, st.DaysSinceLastCrisis)
	assert.Zero(t, st.RecentCrisisCount)

	// Crisis: counter set to zero, crisis count incremented.
	st = c.Update(&st, CheckInOutcome{Tier: clinical.TierCrisis, At: now.AddDate(0, 0, 1), ElapsedDays: 1})
	require.NotNil(t, st.DaysSinceLastCrisis)
	assert.Equal(t, 0, *st.DaysSinceLastCrisis)
	assert.Equal(t, 1, st.RecentCrisisCount)

	// Recovery three days later: counter advances by elapsed days.
	st = c.Update(&st, CheckInOutcome{Tier: clinical.TierModerate, At: now.AddDate(0, 0, 4), ElapsedDays: 3})
	require.NotNil(t, st.DaysSinceLastCrisis)
	assert.Equal(t, 3, *st.DaysSinceLastCrisis)
	assert.Equal(t, 1, st.RecentCrisisCount)

	// Second crisis resets the day counter again.
	st = c.Update(&st, CheckInOutcome{Tier: clinical.TierCrisis, At: now.AddDate(0, 0, 6), ElapsedDays: 2})
	assert.Equal(t, 0, *st.DaysSinceLastCrisis)
	assert.Equal(t, 2, st.RecentCrisisCount)
}

func TestCompressor_FormatForPrompt_Budget(t *testing.T) {
	cfg := DefaultCompressorConfig()
	cfg.DigestBudget = 120
	c := NewCompressor(cfg)

	days := 3
	st := State{
		UserRef:             "u1",
		Trajectory:          TrajectoryWorsening,
		PrimaryDriver:       DriverSleep,
		LastTier:            clinical.TierHighMonitoring,
		CheckInCount:        42,
		RecentCrisisCount:   2,
		DaysSinceLastCrisis: &days,
		Narrative:           strings.Repeat("A long narrative sentence about recent weeks. ", 50),
	}

	digest := c.FormatForPrompt(st)
	assert.LessOrEqual(t, len([]rune(digest)), 120)
	assert.True(t, strings.HasSuffix(digest, truncationMarker))
}

func TestCompressor_FormatForPrompt_FieldOrder(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())
	st := State{
		Trajectory:    TrajectoryStable,
		PrimaryDriver: DriverCombined,
		LastTier:      clinical.TierLow,
		CheckInCount:  3,
		Narrative:     "Settled stretch with solid sleep.",
	}

	digest := c.FormatForPrompt(st)
	narrativeIdx := strings.Index(digest, "Settled stretch")
	trajectoryIdx := strings.Index(digest, "Trajectory: stable (driver: combined)")
	tierIdx := strings.Index(digest, "Last tier: low")
	countIdx := strings.Index(digest, "Check-ins: 3; recent crises: 0")

	require.NotEqual(t, -1, narrativeIdx)
	require.NotEqual(t, -1, trajectoryIdx)
	require.NotEqual(t, -1, tierIdx)
	require.NotEqual(t, -1, countIdx)
	assert.Less(t, narrativeIdx, trajectoryIdx)
	assert.Less(t, trajectoryIdx, tierIdx)
	assert.Less(t, tierIdx, countIdx)

	// Without a recorded crisis the day clause is omitted.
	assert.NotContains(t, digest, "days since last crisis")
}

func TestCompressor_RiskModifiers(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())

	assert.False(t, c.RiskModifiers(State{Trajectory: TrajectoryStable}).Escalate)

	m := c.RiskModifiers(State{Trajectory: TrajectoryWorsening})
	assert.True(t, m.Escalate)
	assert.Contains(t, m.Reason, "worsening")

	m = c.RiskModifiers(State{Trajectory: TrajectoryStable, RecentCrisisCount: 2})
	assert.True(t, m.Escalate)

	recent := 7
	m = c.RiskModifiers(State{Trajectory: TrajectoryImproving, DaysSinceLastCrisis: &recent})
	assert.True(t, m.Escalate)

	old := 8
	m = c.RiskModifiers(State{Trajectory: TrajectoryImproving, DaysSinceLastCrisis: &old})
	assert.False(t, m.Escalate)
}

func TestCompressor_IsStale(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())
	now := time.Now()

	fresh := State{LastUpdated: now.Add(-29 * 24 * time.Hour)}
	assert.False(t, c.IsStale(fresh, now))

	stale := State{LastUpdated: now.Add(-31 * 24 * time.Hour)}
	assert.True(t, c.IsStale(stale, now))
}

func TestCompressor_SetPolicy(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())
	now := time.Now()
	st := State{LastUpdated: now.Add(-10 * 24 * time.Hour)}

	assert.False(t, c.IsStale(st, now))

	cfg := DefaultCompressorConfig()
	cfg.StaleAfter = 7 * 24 * time.Hour
	c.SetPolicy(cfg)
	assert.True(t, c.IsStale(st, now), "tightened policy applies to later calls")

	// A zero-value policy swap falls back to defaults instead of marking
	// everything stale.
	c.SetPolicy(CompressorConfig{})
	assert.False(t, c.IsStale(st, now))
	assert.Equal(t, 600, c.DigestBudget())
}

func TestElapsedCalendarDays(t *testing.T) {
	// Late night to early morning is one calendar day.
	a := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	b := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, 1, ElapsedCalendarDays(a, b))

	// Same day is zero regardless of hours.
	assert.Equal(t, 0, ElapsedCalendarDays(
		time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))

	// Clock skew backwards never goes negative.
	assert.Equal(t, 0, ElapsedCalendarDays(b, a))
}

func TestMergePatterns_DedupAndCap(t *testing.T) {
	existing := []clinical.Pattern{clinical.PatternWithdrawal, clinical.PatternMoodDecline}
	found := []clinical.Pattern{clinical.PatternSleepDisruption, clinical.PatternWithdrawal}

	merged := mergePatterns(existing, found)
	assert.Equal(t, []clinical.Pattern{
		clinical.PatternSleepDisruption,
		clinical.PatternWithdrawal,
		clinical.PatternMoodDecline,
	}, merged)
	assert.LessOrEqual(t, len(merged), maxPatterns)
}
