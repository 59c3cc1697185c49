package clinical

import "time"

// ScreeningResponse holds the six ordered boolean answers of the C-SSRS
// style screener. The questions escalate in severity: Q1 and Q2 cover
// passive and active ideation, Q3 method, Q4 intent, Q5 plan with intent,
// and Q6 recent preparatory behavior. A response is immutable once
// recorded.
type ScreeningResponse struct {
	// PassiveIdeation is Q1: wish to be dead.
	PassiveIdeation bool `json:"passive_ideation"`
	// ActiveIdeation is Q2: active thoughts of suicide.
	ActiveIdeation bool `json:"active_ideation"`
	// IdeationWithMethod is Q3: thoughts with a considered method.
	IdeationWithMethod bool `json:"ideation_with_method"`
	// IdeationWithIntent is Q4: ideation with some intent to act.
	IdeationWithIntent bool `json:"ideation_with_intent"`
	// IdeationWithPlan is Q5: ideation with a specific plan and intent.
	IdeationWithPlan bool `json:"ideation_with_plan"`
	// RecentBehavior is Q6: preparatory acts or behavior in the recent
	// lookback window.
	RecentBehavior bool `json:"recent_behavior"`

	// RecordedAt is when the user submitted the screener.
	RecordedAt time.Time `json:"recorded_at"`
}

// Answers returns the six answers in question order Q1..Q6.
func (s ScreeningResponse) Answers() [6]bool {
	return [6]bool{
		s.PassiveIdeation,
		s.ActiveIdeation,
		s.IdeationWithMethod,
		s.IdeationWithIntent,
		s.IdeationWithPlan,
		s.RecentBehavior,
	}
}

// AnyPositive reports whether any answer is affirmative.
func (s ScreeningResponse) AnyPositive() bool {
	for _, a := range s.Answers() {
		if a {
			return true
		}
	}
	return false
}

// SevereFlag reports whether any of the safety-critical answers (Q4, Q5,
// Q6, then Q2, Q3) is affirmative. The longitudinal driver cascade treats
// these as the dominant signal regardless of physiology.
func (s ScreeningResponse) SevereFlag() bool {
	return s.IdeationWithIntent || s.IdeationWithPlan || s.RecentBehavior ||
		s.ActiveIdeation || s.IdeationWithMethod
}

// questionLabels are the prompt-facing descriptions, in question order.
var questionLabels = [6]string{
	"Wished to be dead",
	"Active suicidal thoughts",
	"Thought about method",
	"Some intent to act",
	"Specific plan with intent",
	"Recent preparatory behavior",
}

// PositiveLabels returns the labels of the affirmative answers in question
// order, for rendering into prompts and handoff reports.
func (s ScreeningResponse) PositiveLabels() []string {
	answers := s.Answers()
	var labels []string
	for i, a := range answers {
		if a {
			labels = append(labels, questionLabels[i])
		}
	}
	return labels
}
