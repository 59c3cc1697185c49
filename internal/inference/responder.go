package inference

import (
	"strings"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
)

// Responder produces the deterministic reply used whenever the model
// path cannot: load failure, timeout, cancellation, or unparseable
// output. Its replies follow the same shape the model is instructed to
// produce, so downstream parsing and display treat both paths alike.
type Responder struct{}

// NewResponder creates a Responder.
func NewResponder() *Responder {
	return &Responder{}
}

var tierReasons = map[clinical.RiskTier]string{
	clinical.TierLow:            "No elevated risk indicators in this check-in.",
	clinical.TierModerate:       "Screening shows ideation without immediate risk indicators.",
	clinical.TierHighMonitoring: "Recent behavior reported in screening calls for tighter follow-up over the coming days.",
	clinical.TierCrisis:         "The screening answers indicate active risk that needs immediate human support.",
}

var tierRecommendations = map[clinical.RiskTier][]string{
	clinical.TierLow: {
		"Keep your current routines going",
	},
	clinical.TierModerate: {
		"Reach out to someone you trust today",
		"Use the coping steps from your safety plan",
	},
	clinical.TierHighMonitoring: {
		"Schedule a check-in with your care contact this week",
		"Keep daily check-ins going so changes surface early",
	},
	clinical.TierCrisis: {
		"Contact your crisis line or local emergency services now",
		"Stay with someone you trust until help is in place",
	},
}

var driverLines = map[longitudinal.Driver]string{
	longitudinal.DriverCSSRS:    "Screening answers are the main signal.",
	longitudinal.DriverSleep:    "Sleep disruption is the strongest recent signal.",
	longitudinal.DriverHRV:      "Heart-rate variability has dropped against baseline.",
	longitudinal.DriverActivity: "Activity has fallen noticeably below baseline.",
	longitudinal.DriverMood:     "Mood signals stand out this period.",
}

// Respond renders the rule-based reply for a safety-floor tier, adding a
// driver sentence when longitudinal state identifies one. Identical
// inputs always produce identical output.
func (r *Responder) Respond(tier clinical.RiskTier, st *longitudinal.State) string {
	if !tier.IsValid() {
		tier = clinical.TierModerate
	}

	var b strings.Builder
	b.WriteString(string(tier))
	b.WriteByte('\n')
	b.WriteString(tierReasons[tier])
	if st != nil {
		if line, ok := driverLines[st.PrimaryDriver]; ok {
			b.WriteByte(' ')
			b.WriteString(line)
		}
	}
	b.WriteByte('\n')
	b.WriteString(prompt.RecommendationMarker)
	for _, rec := range tierRecommendations[tier] {
		b.WriteString("\n- ")
		b.WriteString(rec)
	}
	return b.String()
}
