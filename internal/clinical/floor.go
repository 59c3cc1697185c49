package clinical

// FloorPolicy configures the one policy-dependent rule in the safety
// floor: the tier assigned when Q3 (method without intent) is the highest
// affirmative answer. The effective value is clamped to at least Moderate
// so policy can tighten the floor but never relax it.
type FloorPolicy struct {
	PlanningTier RiskTier `json:"planning_tier" koanf:"planning_tier"`
}

// DefaultFloorPolicy places method-level ideation at HighMonitoring.
func DefaultFloorPolicy() FloorPolicy {
	return FloorPolicy{PlanningTier: TierHighMonitoring}
}

// effectivePlanningTier clamps the configured Q3 tier into the allowed
// range [Moderate, Crisis]. Unknown values fall back to the default.
func (p FloorPolicy) effectivePlanningTier() RiskTier {
	t := p.PlanningTier
	if !t.IsValid() {
		t = DefaultFloorPolicy().PlanningTier
	}
	return MaxTier(t, TierModerate)
}

// TierFromScreening is the safety-floor calculator: a pure, total function
// from screening answers to a risk tier. First match wins:
//
//	Q4 or Q5  -> crisis
//	Q6        -> highMonitoring
//	Q3        -> policy tier (>= moderate)
//	Q1 or Q2  -> moderate
//	otherwise -> low
//
// It runs before, and independently of, any AI step; its output is never
// overridden downward.
func TierFromScreening(r ScreeningResponse, pol FloorPolicy) RiskTier {
	switch {
	case r.IdeationWithIntent || r.IdeationWithPlan:
		return TierCrisis
	case r.RecentBehavior:
		return TierHighMonitoring
	case r.IdeationWithMethod:
		return pol.effectivePlanningTier()
	case r.PassiveIdeation || r.ActiveIdeation:
		return TierModerate
	default:
		return TierLow
	}
}
