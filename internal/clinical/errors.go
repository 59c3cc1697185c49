package clinical

import "errors"

// Error taxonomy for the AI path and persistence. Every AI-path failure is
// non-fatal to an assessment: the safety floor and the deterministic
// responder always stand in. Classify with errors.Is; services wrap these
// with call-site context.
var (
	// ErrModelUnavailable indicates the generation resource failed to
	// load. Routed to the deterministic responder, logged only.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrGenerationTimeout indicates no fragment arrived inside the
	// first-fragment window. Same fallback as ErrModelUnavailable,
	// distinguished in logs and metrics.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGenerationCancelled indicates the request was cancelled, either
	// by a newer request claiming the engine or by the caller.
	ErrGenerationCancelled = errors.New("generation cancelled")

	// ErrParseFailure indicates generated output that no parsing strategy
	// could interpret. Callers treat this identically to
	// ErrModelUnavailable; a default tier is never assumed.
	ErrParseFailure = errors.New("unparseable model output")

	// ErrPersistenceFailure indicates a record could not be written. The
	// interactive flow continues; the write is queued for retry and the
	// condition surfaces in diagnostics, not to the end user.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// IsAIPathError reports whether err belongs to the non-fatal AI-path
// taxonomy, meaning the deterministic result must govern.
func IsAIPathError(err error) bool {
	return errors.Is(err, ErrModelUnavailable) ||
		errors.Is(err, ErrGenerationTimeout) ||
		errors.Is(err, ErrGenerationCancelled) ||
		errors.Is(err, ErrParseFailure)
}
