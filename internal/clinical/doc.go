// Package clinical defines the core data model shared across the vigild
// pipeline: risk tiers, screening responses, health-signal snapshots,
// assessments, and the pure functions that never depend on the AI path
// (the safety-floor calculator and the risk reconciler).
//
// Everything in this package is deterministic and I/O-free. Services layer
// persistence, inference, and telemetry on top of these types; they never
// redefine them.
package clinical
