package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/store"

// replayTimeout bounds one replay attempt against the store.
const replayTimeout = 10 * time.Second

// RetryConfig configures the persistence retry queue.
type RetryConfig struct {
	// Interval is the base delay between drain attempts.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxInterval caps the backoff growth while writes keep failing.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Interval:    5 * time.Second,
		MaxInterval: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *RetryConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.MaxInterval < c.Interval {
		return errors.New("max interval must be at least the interval")
	}
	return nil
}

// Retrier wraps a Store so a failed clinical write is deferred instead
// of lost. Failed SaveCheckIn and SaveLongitudinalState calls land in an
// in-memory FIFO drained by a background loop with exponential backoff.
// Whatever is still queued at Close is parked in the store's
// pending_writes table; Recover loads it back on the next start.
//
// Retrier satisfies longitudinal.Store and the triage store view, so the
// pipeline writes through it.
type Retrier struct {
	config *RetryConfig
	store  Store
	logger *zap.Logger

	meter         metric.Meter
	queueDepth    metric.Int64UpDownCounter
	deferCounter  metric.Int64Counter
	replayCounter metric.Int64Counter

	mu     sync.Mutex
	queue  []PendingWrite
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRetrier creates and starts the retry queue around st.
func NewRetrier(cfg *RetryConfig, st Store, logger *zap.Logger) (*Retrier, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retrier{
		config: cfg,
		store:  st,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	r.initMetrics()

	r.wg.Add(1)
	go r.drain()

	return r, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (r *Retrier) initMetrics() {
	var err error

	r.queueDepth, err = r.meter.Int64UpDownCounter(
		"vigild.store.retry_queue_depth",
		metric.WithDescription("Writes waiting for a successful replay"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		r.logger.Warn("failed to create queue depth counter", zap.Error(err))
	}

	r.deferCounter, err = r.meter.Int64Counter(
		"vigild.store.writes_deferred_total",
		metric.WithDescription("Writes that failed and were queued for retry"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		r.logger.Warn("failed to create defer counter", zap.Error(err))
	}

	r.replayCounter, err = r.meter.Int64Counter(
		"vigild.store.writes_replayed_total",
		metric.WithDescription("Deferred writes replayed by outcome"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		r.logger.Warn("failed to create replay counter", zap.Error(err))
	}
}

// SaveCheckIn writes through to the store, deferring the record on
// failure.
func (r *Retrier) SaveCheckIn(ctx context.Context, c clinical.CheckIn) error {
	if err := r.store.SaveCheckIn(ctx, c); err != nil {
		return r.deferWrite(ctx, WriteCheckIn, c.ID, c, err)
	}
	return nil
}

// SaveLongitudinalState writes through to the store, deferring the state
// on failure.
func (r *Retrier) SaveLongitudinalState(ctx context.Context, st longitudinal.State) error {
	if err := r.store.SaveLongitudinalState(ctx, st); err != nil {
		return r.deferWrite(ctx, WriteLongitudinalState, st.UserRef, st, err)
	}
	return nil
}

// LongitudinalState reads through to the store.
func (r *Retrier) LongitudinalState(ctx context.Context, userRef string) (*longitudinal.State, error) {
	return r.store.LongitudinalState(ctx, userRef)
}

// CheckIns reads through to the store.
func (r *Retrier) CheckIns(ctx context.Context, userRef string, limit int) ([]clinical.CheckIn, error) {
	return r.store.CheckIns(ctx, userRef, limit)
}

// Pending reports how many writes are waiting for a replay. Readiness
// checks treat a non-empty queue as degraded.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Recover loads writes parked by a previous shutdown into the drain
// queue.
func (r *Retrier) Recover(ctx context.Context) error {
	writes, err := r.store.TakePendingWrites(ctx)
	if err != nil {
		return fmt.Errorf("load pending writes: %w", err)
	}
	if len(writes) == 0 {
		return nil
	}

	r.mu.Lock()
	r.queue = append(writes, r.queue...)
	r.mu.Unlock()

	r.addDepth(ctx, int64(len(writes)))
	r.signalWake()
	r.logger.Info("recovered pending writes", zap.Int("count", len(writes)))
	return nil
}

// Close stops the drain loop and parks whatever is still queued in the
// store's pending_writes table for the next start.
func (r *Retrier) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	leftover := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(leftover) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.addDepth(ctx, -int64(len(leftover)))

	var errs []error
	parked := 0
	for _, w := range leftover {
		if err := r.store.AppendPendingWrite(ctx, w); err != nil {
			errs = append(errs, err)
			continue
		}
		parked++
	}
	if len(errs) > 0 {
		r.logger.Error("failed to park pending writes",
			zap.Int("parked", parked),
			zap.Int("lost", len(leftover)-parked))
		return fmt.Errorf("park pending writes: %w", errors.Join(errs...))
	}

	r.logger.Info("parked pending writes", zap.Int("count", parked))
	return nil
}

// deferWrite queues the record and reports the failure as a persistence
// taxonomy error. The interactive flow logs it and continues.
func (r *Retrier) deferWrite(ctx context.Context, kind, key string, record any, cause error) error {
	payload, merr := json.Marshal(record)
	if merr != nil {
		return fmt.Errorf("%w: marshal %s %s: %v", clinical.ErrPersistenceFailure, kind, key, merr)
	}

	w := PendingWrite{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s: retrier closed: %v", clinical.ErrPersistenceFailure, kind, key, cause)
	}
	r.queue = append(r.queue, w)
	depth := len(r.queue)
	r.mu.Unlock()

	r.addDepth(ctx, 1)
	if r.deferCounter != nil {
		r.deferCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	r.signalWake()

	r.logger.Warn("write deferred for retry",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Int("queued", depth),
		zap.Error(cause))
	return fmt.Errorf("%w: %s %s deferred: %v", clinical.ErrPersistenceFailure, kind, key, cause)
}

// drain replays queued writes until the queue head fails, backing off
// exponentially while the store stays unhealthy.
func (r *Retrier) drain() {
	defer r.wg.Done()

	backoff := r.config.Interval
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		progressed := false
		for r.drainOne() {
			progressed = true
		}

		if progressed || r.Pending() == 0 {
			backoff = r.config.Interval
		} else {
			backoff *= 2
			if backoff > r.config.MaxInterval {
				backoff = r.config.MaxInterval
			}
		}
		timer.Reset(backoff)
	}
}

// drainOne replays the oldest queued write. It reports true when the
// head entry was consumed.
func (r *Retrier) drainOne() bool {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	w := r.queue[0]
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	err := r.replay(ctx, w)
	cancel()
	if err != nil {
		if r.replayCounter != nil {
			r.replayCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("outcome", "retry")))
		}
		r.logger.Debug("pending write replay failed",
			zap.String("kind", w.Kind),
			zap.Error(err))
		return false
	}

	r.mu.Lock()
	if len(r.queue) > 0 && r.queue[0].ID == w.ID {
		r.queue = r.queue[1:]
	}
	r.mu.Unlock()

	r.addDepth(context.Background(), -1)
	if r.replayCounter != nil {
		r.replayCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", "applied")))
	}
	return true
}

// replay applies one deferred write. It returns an error only for
// retryable store failures; an undecodable payload can never succeed, so
// it is logged loudly and consumed. A longitudinal replay that has been
// superseded by a newer saved state is skipped, so an old queued
// snapshot never rolls the record back.
func (r *Retrier) replay(ctx context.Context, w PendingWrite) error {
	switch w.Kind {
	case WriteCheckIn:
		var c clinical.CheckIn
		if err := json.Unmarshal(w.Payload, &c); err != nil {
			r.logger.Error("dropping undecodable pending check-in", zap.Error(err))
			return nil
		}
		return r.store.SaveCheckIn(ctx, c)

	case WriteLongitudinalState:
		var st longitudinal.State
		if err := json.Unmarshal(w.Payload, &st); err != nil {
			r.logger.Error("dropping undecodable pending state", zap.Error(err))
			return nil
		}
		current, err := r.store.LongitudinalState(ctx, st.UserRef)
		if err != nil {
			return err
		}
		if current != nil && current.LastUpdated.After(st.LastUpdated) {
			return nil
		}
		return r.store.SaveLongitudinalState(ctx, st)

	default:
		r.logger.Error("dropping pending write of unknown kind", zap.String("kind", w.Kind))
		return nil
	}
}

func (r *Retrier) addDepth(ctx context.Context, delta int64) {
	if r.queueDepth != nil {
		r.queueDepth.Add(ctx, delta)
	}
}

func (r *Retrier) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
