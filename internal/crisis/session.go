package crisis

import (
	"fmt"
	"strings"
	"time"
)

// Status is a crisis session state.
type Status string

const (
	// StatusActive is the holding pattern: the window is running.
	StatusActive Status = "active"

	// StatusRecheck means the window elapsed and the re-check prompt is
	// waiting for an answer.
	StatusRecheck Status = "recheck"

	// StatusStabilizing is the transient hop an "about the same" answer
	// takes on its way back into a fresh active window. It is never
	// persisted.
	StatusStabilizing Status = "stabilizing"

	// StatusResolved means the user reported feeling more stable. The
	// session is destroyed and a resolution record is kept.
	StatusResolved Status = "resolved"

	// StatusEscalated means a re-check answered "worse". The
	// crisis-contact prompt is surfaced immediately and stays up until
	// the session is explicitly resolved.
	StatusEscalated Status = "escalated"
)

// Response is a re-check answer.
type Response string

const (
	ResponseMoreStable Response = "moreStable"
	ResponseSame       Response = "aboutTheSame"
	ResponseWorse      Response = "worse"
)

// valid reports whether r is a known re-check answer.
func (r Response) valid() bool {
	switch r {
	case ResponseMoreStable, ResponseSame, ResponseWorse:
		return true
	}
	return false
}

// ParseResponse maps external spellings of a re-check answer onto a
// Response.
func ParseResponse(s string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "morestable", "more stable", "more_stable", "stable":
		return ResponseMoreStable, nil
	case "aboutthesame", "about the same", "about_the_same", "same":
		return ResponseSame, nil
	case "worse":
		return ResponseWorse, nil
	}
	return "", fmt.Errorf("unknown re-check response %q", s)
}

// Session is one open crisis episode. StartedAt anchors the current
// holding window; EnteredAt is when the episode first began and survives
// "about the same" loops. The window length is persisted with the
// session so a configuration change mid-crisis cannot move a running
// deadline.
type Session struct {
	ID        string        `json:"id"`
	UserRef   string        `json:"user_ref"`
	Status    Status        `json:"status"`
	EnteredAt time.Time     `json:"entered_at"`
	StartedAt time.Time     `json:"started_at"`
	Window    time.Duration `json:"window"`
	Loops     int           `json:"loops"`
}

// Remaining reports the time left in the current holding window at now,
// derived from the persisted start. Never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	rem := s.Window - now.Sub(s.StartedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// RecheckAt is when the holding window elapses and the re-check prompt
// becomes due.
func (s Session) RecheckAt() time.Time {
	return s.StartedAt.Add(s.Window)
}

// RecheckDue reports whether the holding window has elapsed at now.
func (s Session) RecheckDue(now time.Time) bool {
	return !now.Before(s.RecheckAt())
}

// MissedAt is the moment an unanswered re-check counts as missed, given
// the follow-up deadline in force.
func (s Session) MissedAt(deadline time.Duration) time.Time {
	return s.RecheckAt().Add(deadline)
}

// Resolution is the persisted record of a closed crisis episode.
// StartedAt and ResolvedAt span the whole episode, not the last window.
// Outcome is StatusResolved for a clean resolution or StatusEscalated
// when the episode escalated before being closed.
type Resolution struct {
	ID         string    `json:"id"`
	UserRef    string    `json:"user_ref"`
	StartedAt  time.Time `json:"started_at"`
	ResolvedAt time.Time `json:"resolved_at"`
	Loops      int       `json:"loops"`
	Outcome    Status    `json:"outcome"`
}
