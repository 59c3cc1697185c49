// Package longitudinal maintains compact cross-session trend memory: one
// small state record per user that a small-context local model can consume
// whole. The Compressor applies check-in outcomes to the state with fixed,
// deterministic rules; the Updater serializes state writes per user and
// refreshes the narrative in the background without ever blocking a
// check-in.
package longitudinal
