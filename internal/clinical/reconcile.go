package clinical

// floorExplanations are the generic safety-floor explanations used when no
// AI reasoning is available or the AI path did not contribute.
var floorExplanations = map[RiskTier]string{
	TierLow:            "Screening shows no elevated risk indicators.",
	TierModerate:       "Screening reported thoughts that warrant attention and support.",
	TierHighMonitoring: "Screening reported recent behavior or planning that needs close follow-up.",
	TierCrisis:         "Screening reported intent. Immediate support steps are recommended.",
}

// FloorExplanation returns the deterministic explanation for a tier.
func FloorExplanation(t RiskTier) string {
	if e, ok := floorExplanations[t]; ok {
		return e
	}
	return floorExplanations[TierLow]
}

// Reconcile combines the deterministic safety-floor tier with a parsed AI
// tier into the governing resolution. The final tier is the maximum of the
// two; the AI path can never lower the safety floor. The AI reasoning is
// used as the explanation when the AI tier governs or matches the floor
// and reasoning text exists; otherwise the generic floor explanation for
// the final tier is used.
//
// Pass an invalid aiTier (zero value) with empty reasoning when the AI
// path failed entirely; the resolution then carries the deterministic tier
// with safety-floor provenance.
func Reconcile(deterministicTier, aiTier RiskTier, aiReasoning string) Resolution {
	res := Resolution{
		DeterministicTier: deterministicTier,
		FinalTier:         deterministicTier,
		Provenance:        ProvenanceSafetyFloor,
		Explanation:       FloorExplanation(deterministicTier),
	}
	if !aiTier.IsValid() {
		return res
	}

	res.AITier = aiTier
	res.FinalTier = MaxTier(deterministicTier, aiTier)

	switch {
	case aiTier.Rank() > deterministicTier.Rank():
		res.Provenance = ProvenanceModel
	case aiTier.Rank() == deterministicTier.Rank():
		res.Provenance = ProvenanceAgreement
	default:
		res.Provenance = ProvenanceSafetyFloor
	}

	// The AI contributed whenever its tier is at or above the floor.
	if res.Provenance != ProvenanceSafetyFloor && aiReasoning != "" {
		res.Explanation = aiReasoning
	} else {
		res.Explanation = FloorExplanation(res.FinalTier)
	}
	return res
}
