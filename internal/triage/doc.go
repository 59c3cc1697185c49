// Package triage is the pipeline facade: it runs a complete check-in
// from screening answers to a persisted, reconciled assessment. The
// deterministic safety floor is computed first and can never be lowered
// by anything that follows. The AI path (prompt composition, generation,
// parsing) contributes an assessment when it completes within its budget;
// otherwise the rule-based responder stands in and the floor governs
// alone.
//
// The service prefers a generation proactively started while the user is
// still answering the questionnaire; an assessment without one runs the
// just-in-time path under the same timeout discipline. Longitudinal
// updates are dispatched fire-and-forget after the check-in is persisted,
// and a crisis-tier outcome opens the containment flow before the call
// returns.
package triage
