package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

func TestComposer_RiskAssessment_Deterministic(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	in := RiskAssessmentInput{
		Digest: "Trajectory: worsening (driver: sleep)",
		Screening: clinical.ScreeningResponse{
			PassiveIdeation: true,
		},
		Health: clinical.HealthSnapshot{
			Sleep: &clinical.HealthSignal{Current: 4.8, BaselineMean: 7.2, ZScore: -2.1},
		},
		Telemetry: "Screen time up 40% this week.",
		Voice:     "Flat affect noted in this morning's note.",
	}

	first := c.RiskAssessment(in)
	second := c.RiskAssessment(in)
	assert.Equal(t, first, second, "identical inputs must compose identically")

	assert.Contains(t, first, "Wished to be dead")
	assert.Contains(t, first, "Sleep: 4.8h")
	assert.Contains(t, first, "Screen time up 40%")
	assert.Contains(t, first, EndSentinel)
	assert.NotContains(t, first, "{history}")
	assert.NotContains(t, first, "{voice}")
}

func TestComposer_AbsentFieldsRenderPlaceholder(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	out := c.RiskAssessment(RiskAssessmentInput{})

	// Empty digest, telemetry, voice, and health each surface as the
	// explicit placeholder, never an empty slot.
	assert.GreaterOrEqual(t, strings.Count(out, Placeholder), 3)
	assert.Contains(t, out, "All answers negative")
	assert.NotContains(t, out, "\n\n\n")
}

func TestComposer_FieldsTruncatedIndependently(t *testing.T) {
	budgets := DefaultFieldBudgets()
	budgets.Telemetry = 40
	budgets.Voice = 40
	c := NewComposer(budgets)

	long := strings.Repeat("telemetry detail ", 50)
	out := c.RiskAssessment(RiskAssessmentInput{
		Telemetry: long,
		Voice:     "short note",
	})

	// The long telemetry field was cut at its own budget and marked; the
	// short voice field is untouched.
	assert.NotContains(t, out, long)
	assert.Contains(t, out, truncationMarker)
	assert.Contains(t, out, "short note")

	// Neighbor budgets hold: the truncated telemetry block is at most its
	// budget.
	start := strings.Index(out, "Behavioral telemetry:\n")
	require.NotEqual(t, -1, start)
	section := out[start+len("Behavioral telemetry:\n"):]
	end := strings.Index(section, "\n\n")
	require.NotEqual(t, -1, end)
	assert.LessOrEqual(t, len([]rune(section[:end])), 40)
}

func TestComposer_HealthRendersAbsentMetrics(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	out := c.RiskAssessment(RiskAssessmentInput{
		Health: clinical.HealthSnapshot{
			HRV: &clinical.HealthSignal{Current: 38, BaselineMean: 52, ZScore: -1.9},
		},
	})

	assert.Contains(t, out, "Sleep: not captured")
	assert.Contains(t, out, "HRV: 38.0ms")
	assert.Contains(t, out, "Activity: not captured")
}

func TestComposer_NarrativeUpdate(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	out := c.NarrativeUpdate(NarrativeUpdateInput{
		Narrative:  "Three stable weeks.",
		Digest:     "Trajectory: stable (driver: combined)",
		Tier:       clinical.TierLow,
		Trajectory: "stable",
		Driver:     "combined",
	})

	assert.Contains(t, out, "Three stable weeks.")
	assert.Contains(t, out, "tier low")
	assert.Contains(t, out, EndSentinel)
}

func TestComposer_SafetyPlanRerank(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	out := c.SafetyPlanRerank(SafetyPlanRerankInput{
		Driver:   "sleep",
		Patterns: []clinical.Pattern{clinical.PatternSleepDisruption},
		Sections: []string{"warning_signs", "coping_strategies"},
	})

	assert.Contains(t, out, "sleep_disruption")
	assert.Contains(t, out, "warning_signs\ncoping_strategies")
}

func TestComposer_HandoffReport(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	out := c.HandoffReport(HandoffReportInput{
		Digest:         "Trajectory: worsening (driver: hrv)",
		RecentOutcomes: "moderate (model), low (agreement)",
	})

	assert.Contains(t, out, "Trajectory: worsening")
	assert.Contains(t, out, "moderate (model)")
	assert.Contains(t, out, Placeholder) // health was absent
}

func TestBound_BudgetIncludesMarker(t *testing.T) {
	out := bound(strings.Repeat("x", 100), 10)
	assert.Equal(t, 10, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, truncationMarker))

	assert.Equal(t, Placeholder, bound("   ", 10))
	assert.Equal(t, "short", bound("short", 10))
}

func TestComposer_SetBudgets(t *testing.T) {
	c := NewComposer(DefaultFieldBudgets())
	long := strings.Repeat("telemetry detail ", 10)

	before := c.RiskAssessment(RiskAssessmentInput{Telemetry: long})
	assert.Contains(t, before, long, "default budget leaves the field intact")

	tight := DefaultFieldBudgets()
	tight.Telemetry = 40
	c.SetBudgets(tight)

	after := c.RiskAssessment(RiskAssessmentInput{Telemetry: long})
	assert.NotContains(t, after, long)
	assert.Contains(t, after, truncationMarker)

	// Non-positive fields in a swapped-in policy fall back to defaults
	// rather than truncating everything to nothing.
	c.SetBudgets(FieldBudgets{})
	restored := c.RiskAssessment(RiskAssessmentInput{Telemetry: long})
	assert.Contains(t, restored, long)
}

func TestSubstitute_LexicographicOrder(t *testing.T) {
	// A field value containing another field's token must not be
	// re-substituted in a way that depends on map order: keys are applied
	// lexicographically, so the outcome is stable across runs.
	tmpl := "{a} {b}"
	out1 := substitute(tmpl, map[string]string{"a": "value-{b}", "b": "two"})
	out2 := substitute(tmpl, map[string]string{"a": "value-{b}", "b": "two"})
	assert.Equal(t, out1, out2)
	assert.Equal(t, "value-two two", out1)
}
