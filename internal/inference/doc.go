// Package inference owns the local text-generation resource and the
// per-request state machine around it. The generation engine is a shared
// singleton with exclusive-use semantics: one generation in flight at a
// time, a new request cancels the prior one, and cancellation promptly
// releases the resource.
//
// Every failure mode here is non-fatal to an assessment. A deterministic
// rule-based responder supplies the output whenever the model cannot:
// resource load failure, first-fragment timeout, cancellation, or an
// engine error. Callers always get text back within the configured
// latency bound.
package inference
