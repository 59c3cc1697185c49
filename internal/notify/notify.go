// Package notify delivers out-of-band alerts to the external collaborator
// bridge (battle-buddy contact, care team). Delivery is best effort from
// the pipeline's point of view: an alert that cannot be published is
// logged and counted by the caller, never allowed to block or fail the
// clinical flow that raised it.
package notify

import (
	"context"
	"time"
)

// Event kinds published by the pipeline.
const (
	// KindCrisisEscalated is raised when a crisis re-check answers
	// "worse" and the crisis-contact prompt is surfaced.
	KindCrisisEscalated = "crisis.escalated"

	// KindFollowUpMissed is raised when a mandatory crisis follow-up was
	// not answered inside its deadline.
	KindFollowUpMissed = "followup.missed"
)

// Event is one collaborator alert. UserRef is the opaque per-user
// reference; payloads never carry screening answers, narrative text, or
// any other clinical detail.
type Event struct {
	Kind    string    `json:"kind"`
	UserRef string    `json:"user_ref"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// Notifier publishes collaborator alerts.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards all events. Used when no collaborator bridge is
// configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
