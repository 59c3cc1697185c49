package longitudinal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

const (
	// DefaultDigestBudget bounds the rendered prompt digest.
	DefaultDigestBudget = 600
	// DefaultStaleAfter is the inactivity window after which a state is
	// considered stale.
	DefaultStaleAfter = 30 * 24 * time.Hour
	// truncationMarker terminates a digest that hit its budget.
	truncationMarker = "…"
	// maxPatterns caps the detected-pattern list carried in state.
	maxPatterns = 5
)

// CompressorConfig holds the policy knobs for state compression.
type CompressorConfig struct {
	// DigestBudget is the hard character budget for FormatForPrompt.
	DigestBudget int
	// StaleAfter is the inactivity window for IsStale.
	StaleAfter time.Duration
	// Deviation carries the z-score cutoffs for the driver cascade.
	Deviation clinical.DeviationPolicy
}

// DefaultCompressorConfig returns the stock policy.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		DigestBudget: DefaultDigestBudget,
		StaleAfter:   DefaultStaleAfter,
		Deviation:    clinical.DefaultDeviationPolicy(),
	}
}

// Compressor applies check-in outcomes to longitudinal state with fixed
// deterministic rules. It performs no I/O; persistence and serialization
// belong to the Updater. The policy knobs can be swapped live through
// SetPolicy; each operation reads one consistent snapshot.
type Compressor struct {
	mu  sync.RWMutex
	cfg CompressorConfig
}

// NewCompressor creates a Compressor, normalizing unusable config values
// to the defaults.
func NewCompressor(cfg CompressorConfig) *Compressor {
	return &Compressor{cfg: normalizeCompressorConfig(cfg)}
}

// SetPolicy replaces the compression policy. Unusable values are
// normalized to the defaults, the same as at construction.
func (c *Compressor) SetPolicy(cfg CompressorConfig) {
	cfg = normalizeCompressorConfig(cfg)
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Compressor) policy() CompressorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func normalizeCompressorConfig(cfg CompressorConfig) CompressorConfig {
	if cfg.DigestBudget <= 0 {
		cfg.DigestBudget = DefaultDigestBudget
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Deviation == (clinical.DeviationPolicy{}) {
		cfg.Deviation = clinical.DefaultDeviationPolicy()
	}
	return cfg
}

// Update applies one check-in outcome to the prior state and returns the
// next state. Pass nil prior on the first-ever check-in. The prior value
// is never mutated.
func (c *Compressor) Update(prior *State, outcome CheckInOutcome) State {
	pol := c.policy()

	var next State
	if prior == nil {
		next = NewState("", outcome.At)
	} else {
		next = prior.Clone()
	}

	next.CheckInCount++
	next.Trajectory = trajectoryFrom(prior, outcome.Tier)
	next.PrimaryDriver = driverFrom(outcome.Screening, outcome.Health, pol.Deviation)

	// Crisis bookkeeping: a crisis zeroes the day counter; any other tier
	// advances it by the elapsed calendar days, once a crisis exists.
	if outcome.Tier == clinical.TierCrisis {
		next.RecentCrisisCount++
		zero := 0
		next.DaysSinceLastCrisis = &zero
	} else if next.DaysSinceLastCrisis != nil {
		d := *next.DaysSinceLastCrisis + outcome.ElapsedDays
		next.DaysSinceLastCrisis = &d
	}

	next.Patterns = mergePatterns(next.Patterns, detectPatterns(outcome, pol.Deviation))
	next.LastTier = outcome.Tier
	next.LastUpdated = outcome.At
	return next
}

// trajectoryFrom compares the new tier against the prior one. The first
// check-in is stable by definition.
func trajectoryFrom(prior *State, newTier clinical.RiskTier) Trajectory {
	if prior == nil || prior.CheckInCount == 0 {
		return TrajectoryStable
	}
	switch {
	case newTier.Rank() > prior.LastTier.Rank():
		return TrajectoryWorsening
	case newTier.Rank() < prior.LastTier.Rank():
		return TrajectoryImproving
	default:
		return TrajectoryStable
	}
}

// driverFrom selects the primary driver by the fixed priority cascade:
// severe screening flags, severe physiological deviation, moderate
// deviation, passive ideation alone, otherwise combined.
func driverFrom(scr clinical.ScreeningResponse, health clinical.HealthSnapshot, pol clinical.DeviationPolicy) Driver {
	if scr.SevereFlag() {
		return DriverCSSRS
	}
	if m, ok := health.FirstBelow(pol.SevereZ); ok {
		return driverForMetric(m)
	}
	if m, ok := health.FirstBelow(pol.ModerateZ); ok {
		return driverForMetric(m)
	}
	if scr.PassiveIdeation {
		return DriverMood
	}
	return DriverCombined
}

func driverForMetric(m clinical.Metric) Driver {
	switch m {
	case clinical.MetricSleep:
		return DriverSleep
	case clinical.MetricHRV:
		return DriverHRV
	case clinical.MetricActivity:
		return DriverActivity
	default:
		return DriverCombined
	}
}

// detectPatterns derives behavioral patterns from the current inputs.
func detectPatterns(outcome CheckInOutcome, pol clinical.DeviationPolicy) []clinical.Pattern {
	var found []clinical.Pattern
	if sig := outcome.Health.Sleep; sig != nil && sig.ZScore < pol.ModerateZ {
		found = append(found, clinical.PatternSleepDisruption)
	}
	if sig := outcome.Health.HRV; sig != nil && sig.ZScore < pol.ModerateZ {
		found = append(found, clinical.PatternHRVDecline)
	}
	if sig := outcome.Health.Activity; sig != nil && sig.ZScore < pol.ModerateZ {
		found = append(found, clinical.PatternActivityDrop)
	}
	if outcome.Screening.PassiveIdeation && !outcome.Screening.SevereFlag() {
		found = append(found, clinical.PatternMoodDecline)
	}
	return found
}

// mergePatterns unions new patterns into the existing list, newest first,
// deduplicated and capped.
func mergePatterns(existing, found []clinical.Pattern) []clinical.Pattern {
	if len(found) == 0 {
		return existing
	}
	seen := make(map[clinical.Pattern]bool, len(found)+len(existing))
	merged := make([]clinical.Pattern, 0, maxPatterns)
	for _, p := range append(found, existing...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		merged = append(merged, p)
		if len(merged) == maxPatterns {
			break
		}
	}
	return merged
}

// FormatForPrompt renders the state digest in its fixed field order:
// narrative, trajectory with driver, last tier, then counters. The result
// is hard-truncated to the configured character budget with a truncation
// marker, so the digest can never starve the rest of a prompt's context
// window.
func (c *Compressor) FormatForPrompt(s State) string {
	var b strings.Builder
	if s.Narrative != "" {
		b.WriteString(s.Narrative)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Trajectory: %s (driver: %s)\n", s.Trajectory, s.PrimaryDriver)
	fmt.Fprintf(&b, "Last tier: %s\n", s.LastTier)
	fmt.Fprintf(&b, "Check-ins: %d; recent crises: %d", s.CheckInCount, s.RecentCrisisCount)
	if s.DaysSinceLastCrisis != nil {
		fmt.Fprintf(&b, "; days since last crisis: %d", *s.DaysSinceLastCrisis)
	}
	return truncateRunes(b.String(), c.policy().DigestBudget, truncationMarker)
}

// DigestBudget exposes the configured budget for callers sizing prompts.
func (c *Compressor) DigestBudget() int {
	return c.policy().DigestBudget
}

// RiskModifiers reports whether longitudinal trends alone argue for
// escalation: a worsening trajectory, two or more recent crises, or a
// crisis within the last week.
func (c *Compressor) RiskModifiers(s State) RiskModifiers {
	var reasons []string
	if s.Trajectory == TrajectoryWorsening {
		reasons = append(reasons, "worsening trajectory")
	}
	if s.RecentCrisisCount >= 2 {
		reasons = append(reasons, fmt.Sprintf("%d recent crises", s.RecentCrisisCount))
	}
	if s.DaysSinceLastCrisis != nil && *s.DaysSinceLastCrisis <= 7 {
		reasons = append(reasons, fmt.Sprintf("crisis %d days ago", *s.DaysSinceLastCrisis))
	}
	if len(reasons) == 0 {
		return RiskModifiers{}
	}
	return RiskModifiers{Escalate: true, Reason: strings.Join(reasons, "; ")}
}

// IsStale reports whether the state has been inactive longer than the
// staleness window. Staleness triggers explicit fresh-state creation by
// the caller, never a silent reset here.
func (c *Compressor) IsStale(s State, now time.Time) bool {
	return now.Sub(s.LastUpdated) > c.policy().StaleAfter
}

// truncateRunes hard-limits s to budget characters, appending marker when
// truncation occurred. The marker is included in the budget.
func truncateRunes(s string, budget int, marker string) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	markerRunes := []rune(marker)
	if budget <= len(markerRunes) {
		return string(markerRunes[:budget])
	}
	return string(runes[:budget-len(markerRunes)]) + marker
}
