package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

// flakyStore fails clinical writes on demand while everything else
// passes through to the embedded Memory.
type flakyStore struct {
	*Memory
	mu      sync.Mutex
	failing bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: NewMemory()}
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyStore) isFailing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func (f *flakyStore) SaveCheckIn(ctx context.Context, c clinical.CheckIn) error {
	if f.isFailing() {
		return errors.New("disk full")
	}
	return f.Memory.SaveCheckIn(ctx, c)
}

func (f *flakyStore) SaveLongitudinalState(ctx context.Context, st longitudinal.State) error {
	if f.isFailing() {
		return errors.New("disk full")
	}
	return f.Memory.SaveLongitudinalState(ctx, st)
}

func newTestRetrier(t *testing.T, st Store) *Retrier {
	t.Helper()
	r, err := NewRetrier(&RetryConfig{
		Interval:    10 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
	}, st, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRetrier_WritesThroughWhenHealthy(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := newFlakyStore()
	r := newTestRetrier(t, mem)
	defer r.Close()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.SaveCheckIn(context.Background(), sampleCheckIn("ci-1", "user-1", base)))

	got, err := mem.CheckIns(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Zero(t, r.Pending())
}

func TestRetrier_DefersAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := newFlakyStore()
	mem.setFailing(true)
	r := newTestRetrier(t, mem)
	defer r.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	err := r.SaveCheckIn(ctx, sampleCheckIn("ci-1", "user-1", base))
	require.Error(t, err)
	assert.ErrorIs(t, err, clinical.ErrPersistenceFailure)
	assert.Equal(t, 1, r.Pending())

	got, err := mem.CheckIns(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	mem.setFailing(false)
	require.Eventually(t, func() bool {
		got, err := mem.CheckIns(ctx, "user-1", 0)
		return err == nil && len(got) == 1 && r.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetrier_StaleStateReplaySkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := newFlakyStore()
	mem.setFailing(true)
	r := newTestRetrier(t, mem)
	defer r.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	stale := sampleState("user-1", base)
	stale.Narrative = "stale"
	err := r.SaveLongitudinalState(ctx, stale)
	assert.ErrorIs(t, err, clinical.ErrPersistenceFailure)

	// A newer state lands while the old write is still queued.
	newer := sampleState("user-1", base.Add(time.Hour))
	newer.Narrative = "newer"
	require.NoError(t, mem.Memory.SaveLongitudinalState(ctx, newer))

	mem.setFailing(false)
	require.Eventually(t, func() bool {
		return r.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := r.LongitudinalState(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.Narrative)
}

func TestRetrier_CloseParksQueueAndRecoverReplays(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := newFlakyStore()
	mem.setFailing(true)
	r := newTestRetrier(t, mem)

	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	err := r.SaveCheckIn(ctx, sampleCheckIn("ci-1", "user-1", base))
	assert.ErrorIs(t, err, clinical.ErrPersistenceFailure)
	require.NoError(t, r.Close())

	// The queued write survived shutdown in pending_writes; a fresh
	// retrier over a healthy store replays it.
	mem.setFailing(false)
	r2 := newTestRetrier(t, mem)
	defer r2.Close()
	require.NoError(t, r2.Recover(ctx))

	require.Eventually(t, func() bool {
		got, err := mem.CheckIns(ctx, "user-1", 0)
		return err == nil && len(got) == 1 && r2.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetrier_ClosedRejectsDeferrals(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := newFlakyStore()
	r := newTestRetrier(t, mem)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	mem.setFailing(true)
	err := r.SaveCheckIn(context.Background(), sampleCheckIn("ci-1", "user-1", time.Now().UTC()))
	assert.ErrorIs(t, err, clinical.ErrPersistenceFailure)
	assert.Zero(t, r.Pending())
}

func TestRetryConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())
	assert.Error(t, (&RetryConfig{MaxInterval: time.Minute}).Validate())
	assert.Error(t, (&RetryConfig{Interval: time.Minute, MaxInterval: time.Second}).Validate())
}
