package clinical

import "time"

// Confidence labels attached by the output parser. They are heuristic
// markers, not calibrated probabilities: higher when a standalone tier
// line resolved the match, lower when the tier was recovered from a scan.
// The reconciler never reads them.
const (
	ConfidenceTierLine = 0.9
	ConfidenceScanned  = 0.7
)

// ClinicalAssessment is the parsed result of one model generation.
// Immutable once parsed; RawOutput is retained verbatim for audit.
type ClinicalAssessment struct {
	ID              string    `json:"id"`
	AssessedTier    RiskTier  `json:"assessed_tier"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	Recommendations []string  `json:"recommendations,omitempty"`
	RawOutput       string    `json:"raw_output"`
	CreatedAt       time.Time `json:"created_at"`
}

// Provenance records which path governed the final tier.
type Provenance string

const (
	// ProvenanceSafetyFloor means the deterministic tier was strictly
	// higher than the AI tier, or no AI result existed.
	ProvenanceSafetyFloor Provenance = "safety_floor"
	// ProvenanceModel means the AI tier was strictly higher than the
	// deterministic tier.
	ProvenanceModel Provenance = "model"
	// ProvenanceAgreement means both paths produced the same tier.
	ProvenanceAgreement Provenance = "agreement"
)

// Resolution is the reconciler's output: the governing tier with its
// provenance and a user-facing explanation.
type Resolution struct {
	FinalTier         RiskTier   `json:"final_tier"`
	DeterministicTier RiskTier   `json:"deterministic_tier"`
	AITier            RiskTier   `json:"ai_tier,omitempty"`
	Provenance        Provenance `json:"provenance"`
	Explanation       string     `json:"explanation"`
}

// CheckIn is the atomic persisted unit for one completed assessment: the
// originating inputs, the reconciled outcome, and the parsed assessment
// when the AI path completed. Stored in a single write so the outcome can
// never be separated from the inputs that produced it.
type CheckIn struct {
	ID         string              `json:"id"`
	UserRef    string              `json:"user_ref"`
	Screening  ScreeningResponse   `json:"screening"`
	Health     HealthSnapshot      `json:"health"`
	Resolution Resolution          `json:"resolution"`
	Assessment *ClinicalAssessment `json:"assessment,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Pattern is a detected behavioral pattern carried in longitudinal memory
// and consumed by the safety-plan reranker.
type Pattern string

const (
	PatternSleepDisruption Pattern = "sleep_disruption"
	PatternHRVDecline      Pattern = "hrv_decline"
	PatternActivityDrop    Pattern = "activity_drop"
	PatternWithdrawal      Pattern = "withdrawal"
	PatternMoodDecline     Pattern = "mood_decline"
)

// IsValid reports whether p is a known pattern.
func (p Pattern) IsValid() bool {
	switch p {
	case PatternSleepDisruption, PatternHRVDecline, PatternActivityDrop,
		PatternWithdrawal, PatternMoodDecline:
		return true
	default:
		return false
	}
}
