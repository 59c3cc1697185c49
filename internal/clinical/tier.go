package clinical

import "fmt"

// RiskTier is the ordered risk severity level for an assessment.
//
// The ordering is total: Low < Moderate < HighMonitoring < Crisis. Use
// Rank for comparisons and MaxTier to combine tiers; never compare the
// string values directly.
type RiskTier string

const (
	// TierLow indicates no elevated risk indicators.
	TierLow RiskTier = "low"
	// TierModerate indicates passive or active ideation without method,
	// intent, or recent behavior.
	TierModerate RiskTier = "moderate"
	// TierHighMonitoring indicates recent behavior or planning that
	// warrants tightened follow-up without an immediate crisis response.
	TierHighMonitoring RiskTier = "highMonitoring"
	// TierCrisis indicates active intent and triggers the crisis
	// resolution flow.
	TierCrisis RiskTier = "crisis"
)

// tierRanks maps each tier to its position in the severity order.
var tierRanks = map[RiskTier]int{
	TierLow:            0,
	TierModerate:       1,
	TierHighMonitoring: 2,
	TierCrisis:         3,
}

// Rank returns the tier's position in the severity order, with Low at 0.
// Unknown values rank below Low so a corrupted tier can never outrank a
// valid one.
func (t RiskTier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// IsValid reports whether t is one of the four known tiers.
func (t RiskTier) IsValid() bool {
	_, ok := tierRanks[t]
	return ok
}

// AtLeast reports whether t is at or above other in the severity order.
func (t RiskTier) AtLeast(other RiskTier) bool {
	return t.Rank() >= other.Rank()
}

// MaxTier returns the more severe of a and b.
func MaxTier(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseTier converts a stored string into a RiskTier, rejecting unknown
// values. Persistence and transport layers use this at their boundaries so
// invalid tiers never circulate inside the pipeline.
func ParseTier(s string) (RiskTier, error) {
	t := RiskTier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown risk tier %q", s)
	}
	return t, nil
}

// AllTiers lists the tiers in ascending severity order.
func AllTiers() []RiskTier {
	return []RiskTier{TierLow, TierModerate, TierHighMonitoring, TierCrisis}
}
