// Package store persists check-ins, longitudinal state, and crisis
// sessions. SQLite (modernc.org/sqlite) backs the device database;
// Memory backs tests and ephemeral runs. Retrier wraps either one so a
// failed clinical write is deferred and replayed instead of lost.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

// Store is the full persistence surface. longitudinal.Store and
// crisis.SessionStore are narrow structural views of it, so either
// implementation plugs into those packages directly.
type Store interface {
	// SaveCheckIn upserts one completed check-in by ID, making retry
	// replays idempotent.
	SaveCheckIn(ctx context.Context, c clinical.CheckIn) error

	// CheckIns returns a user's check-ins, most recent first, capped at
	// limit when limit is positive.
	CheckIns(ctx context.Context, userRef string, limit int) ([]clinical.CheckIn, error)

	// LongitudinalState returns the user's state, nil when none exists.
	LongitudinalState(ctx context.Context, userRef string) (*longitudinal.State, error)

	// SaveLongitudinalState upserts the user's state.
	SaveLongitudinalState(ctx context.Context, st longitudinal.State) error

	// CrisisSession returns the open session for a user, nil when none.
	CrisisSession(ctx context.Context, userRef string) (*crisis.Session, error)

	// ListCrisisSessions returns every open session.
	ListCrisisSessions(ctx context.Context) ([]crisis.Session, error)

	// SaveCrisisSession upserts the open session for s.UserRef.
	SaveCrisisSession(ctx context.Context, s crisis.Session) error

	// DeleteCrisisSession removes the open session for a user.
	DeleteCrisisSession(ctx context.Context, userRef string) error

	// AppendCrisisResolution records a closed episode.
	AppendCrisisResolution(ctx context.Context, r crisis.Resolution) error

	// CrisisResolutions returns a user's closed episodes, most recent
	// first, capped at limit when limit is positive.
	CrisisResolutions(ctx context.Context, userRef string, limit int) ([]crisis.Resolution, error)

	// AppendPendingWrite parks a write the Retrier could not apply, so
	// it survives a restart.
	AppendPendingWrite(ctx context.Context, w PendingWrite) error

	// TakePendingWrites removes and returns every parked write, oldest
	// first.
	TakePendingWrites(ctx context.Context) ([]PendingWrite, error)

	Close() error
}

// Write kinds carried by PendingWrite payloads.
const (
	WriteCheckIn           = "check_in"
	WriteLongitudinalState = "longitudinal_state"
)

// PendingWrite is one deferred write: the marshaled record plus the kind
// that tells the drain loop how to replay it.
type PendingWrite struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
