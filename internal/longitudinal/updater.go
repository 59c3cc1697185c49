package longitudinal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/longitudinal"

// narrativeMaxChars bounds the stored narrative; the prompt digest applies
// its own tighter budget on top of this.
const narrativeMaxChars = 2000

// Store is the persistence the updater needs. *store.SQLite and
// *store.Memory satisfy it.
type Store interface {
	LongitudinalState(ctx context.Context, userRef string) (*State, error)
	SaveLongitudinalState(ctx context.Context, st State) error
}

// NarrativeGenerator produces a refreshed narrative for a state via the
// model path. Implementations must honor ctx; any error falls back to the
// deterministic narrative append.
type NarrativeGenerator interface {
	Narrative(ctx context.Context, st State, outcome CheckInOutcome) (string, error)
}

// Task is one fire-and-forget state update enqueued after a check-in.
type Task struct {
	UserRef string
	Outcome CheckInOutcome
}

// UpdaterConfig configures the background updater.
type UpdaterConfig struct {
	// Concurrency bounds the number of users updated in parallel.
	// Updates for the same user are always serialized.
	Concurrency int

	// NarrativeEvery triggers a model narrative refresh each time the
	// check-in count crosses a multiple of this value. Zero disables the
	// model path entirely.
	NarrativeEvery int

	// NarrativeRate limits model narrative refreshes; refreshes that
	// cannot obtain a token immediately use the deterministic append.
	NarrativeRate  rate.Limit
	NarrativeBurst int

	// DrainTimeout bounds Close's wait for in-flight updates.
	DrainTimeout time.Duration
}

// DefaultUpdaterConfig returns sensible defaults.
func DefaultUpdaterConfig() *UpdaterConfig {
	return &UpdaterConfig{
		Concurrency:    2,
		NarrativeEvery: 1,
		NarrativeRate:  rate.Every(30 * time.Second),
		NarrativeBurst: 1,
		DrainTimeout:   10 * time.Second,
	}
}

// ErrUpdaterClosed is returned by Enqueue after Close.
var ErrUpdaterClosed = errors.New("updater is closed")

// Updater applies check-in outcomes to longitudinal state in the
// background. Enqueue never blocks the interactive flow; updates are
// serialized per user and bounded in total concurrency.
type Updater struct {
	config     *UpdaterConfig
	compressor *Compressor
	store      Store
	generator  NarrativeGenerator
	limiter    *rate.Limiter
	logger     *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	updateCounter metric.Int64Counter
	narrCounter   metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter

	mu       sync.Mutex
	queues   map[string][]Task
	inflight map[string]bool
	closed   bool

	wake chan struct{}
	done chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

// NewUpdater creates and starts the background updater. The generator may
// be nil, in which case narratives are maintained deterministically.
func NewUpdater(cfg *UpdaterConfig, compressor *Compressor, st Store, gen NarrativeGenerator, logger *zap.Logger) (*Updater, error) {
	if cfg == nil {
		cfg = DefaultUpdaterConfig()
	}
	if compressor == nil {
		return nil, errors.New("compressor is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	u := &Updater{
		config:     cfg,
		compressor: compressor,
		store:      st,
		generator:  gen,
		limiter:    rate.NewLimiter(cfg.NarrativeRate, cfg.NarrativeBurst),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		queues:     make(map[string][]Task),
		inflight:   make(map[string]bool),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		sem:        make(chan struct{}, cfg.Concurrency),
	}

	u.initMetrics()

	u.wg.Add(1)
	go u.dispatch()

	return u, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (u *Updater) initMetrics() {
	var err error

	u.updateCounter, err = u.meter.Int64Counter(
		"vigild.longitudinal.updates_total",
		metric.WithDescription("Total longitudinal state updates applied"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		u.logger.Warn("failed to create update counter", zap.Error(err))
	}

	u.narrCounter, err = u.meter.Int64Counter(
		"vigild.longitudinal.narrative_refreshes_total",
		metric.WithDescription("Narrative refreshes by source"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		u.logger.Warn("failed to create narrative counter", zap.Error(err))
	}

	u.queueDepth, err = u.meter.Int64UpDownCounter(
		"vigild.longitudinal.queue_depth",
		metric.WithDescription("Pending longitudinal update tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		u.logger.Warn("failed to create queue depth counter", zap.Error(err))
	}
}

// Enqueue schedules a state update. It returns immediately; failures
// during the update are logged and counted, never surfaced to the
// check-in flow.
func (u *Updater) Enqueue(task Task) error {
	if task.UserRef == "" {
		return errors.New("user ref is required")
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrUpdaterClosed
	}
	u.queues[task.UserRef] = append(u.queues[task.UserRef], task)
	u.mu.Unlock()

	if u.queueDepth != nil {
		u.queueDepth.Add(context.Background(), 1)
	}
	u.signal()
	return nil
}

// signal nudges the dispatcher without blocking.
func (u *Updater) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// dispatch hands queued tasks to workers, one in-flight task per user.
func (u *Updater) dispatch() {
	defer u.wg.Done()
	for {
		select {
		case <-u.done:
			return
		case <-u.wake:
		}

		for {
			task, ok := u.nextTask()
			if !ok {
				break
			}
			select {
			case u.sem <- struct{}{}:
			case <-u.done:
				u.requeue(task)
				return
			}
			u.wg.Add(1)
			go u.process(task)
		}
	}
}

// nextTask pops a task for any user with no update in flight.
func (u *Updater) nextTask() (Task, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for user, q := range u.queues {
		if u.inflight[user] || len(q) == 0 {
			continue
		}
		task := q[0]
		if len(q) == 1 {
			delete(u.queues, user)
		} else {
			u.queues[user] = q[1:]
		}
		u.inflight[user] = true
		return task, true
	}
	return Task{}, false
}

// requeue restores a task the dispatcher claimed but could not start.
func (u *Updater) requeue(task Task) {
	u.mu.Lock()
	u.queues[task.UserRef] = append([]Task{task}, u.queues[task.UserRef]...)
	u.inflight[task.UserRef] = false
	u.mu.Unlock()
}

// process runs one state update to completion.
func (u *Updater) process(task Task) {
	defer func() {
		<-u.sem
		u.mu.Lock()
		u.inflight[task.UserRef] = false
		u.mu.Unlock()
		u.wg.Done()
		u.signal()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if u.queueDepth != nil {
		u.queueDepth.Add(ctx, -1)
	}

	outcome := "ok"
	if err := u.Apply(ctx, task); err != nil {
		outcome = "error"
		u.logger.Warn("longitudinal update failed",
			zap.String("user_ref", task.UserRef),
			zap.Error(err))
	}
	if u.updateCounter != nil {
		u.updateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Apply loads, updates, and persists state for one check-in. Exported so
// the just-in-time path can run an update synchronously with the same
// rules.
func (u *Updater) Apply(ctx context.Context, task Task) error {
	ctx, span := u.tracer.Start(ctx, "longitudinal.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("tier", string(task.Outcome.Tier)),
	)

	prior, err := u.store.LongitudinalState(ctx, task.UserRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading state: %w", err)
	}

	// Stale state is replaced by an explicit fresh instance before the
	// outcome is applied; the elapsed-days figure restarts with it.
	outcome := task.Outcome
	if prior != nil && u.compressor.IsStale(*prior, outcome.At) {
		u.logger.Info("longitudinal state stale, starting fresh",
			zap.String("user_ref", task.UserRef),
			zap.Time("last_updated", prior.LastUpdated))
		fresh := NewState(task.UserRef, outcome.At)
		prior = &fresh
		outcome.ElapsedDays = 0
	}
	if prior == nil {
		outcome.ElapsedDays = 0
	} else if outcome.ElapsedDays == 0 && prior.CheckInCount > 0 {
		outcome.ElapsedDays = ElapsedCalendarDays(prior.LastUpdated, outcome.At)
	}

	next := u.compressor.Update(prior, outcome)
	next.UserRef = task.UserRef
	next.Narrative = u.refreshNarrative(ctx, next, outcome)

	if err := u.store.SaveLongitudinalState(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("saving state: %w", err)
	}

	u.logger.Debug("longitudinal state updated",
		zap.String("user_ref", task.UserRef),
		zap.String("trajectory", string(next.Trajectory)),
		zap.String("driver", string(next.PrimaryDriver)),
		zap.Int("check_in_count", next.CheckInCount))
	return nil
}

// refreshNarrative prefers the model path when it is due and a rate token
// is available, falling back to the deterministic append otherwise.
func (u *Updater) refreshNarrative(ctx context.Context, st State, outcome CheckInOutcome) string {
	due := u.generator != nil &&
		u.config.NarrativeEvery > 0 &&
		st.CheckInCount%u.config.NarrativeEvery == 0

	if due && u.limiter.Allow() {
		text, err := u.generator.Narrative(ctx, st, outcome)
		if err == nil && strings.TrimSpace(text) != "" {
			u.countNarrative(ctx, "model")
			return truncateRunes(strings.TrimSpace(text), narrativeMaxChars, truncationMarker)
		}
		if err != nil && !clinical.IsAIPathError(err) {
			u.logger.Warn("narrative generation failed", zap.Error(err))
		}
	}

	u.countNarrative(ctx, "deterministic")
	return appendNarrativeLine(st, outcome)
}

// countNarrative records a narrative refresh by source.
func (u *Updater) countNarrative(ctx context.Context, source string) {
	if u.narrCounter != nil {
		u.narrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// appendNarrativeLine extends the narrative with one compact line for this
// check-in, trimming oldest lines once the cap is reached.
func appendNarrativeLine(st State, outcome CheckInOutcome) string {
	line := fmt.Sprintf("Check-in %d: tier %s, %s (driver: %s).",
		st.CheckInCount, outcome.Tier, st.Trajectory, st.PrimaryDriver)

	narrative := st.Narrative
	if narrative == "" {
		return line
	}
	narrative = narrative + "\n" + line
	for len([]rune(narrative)) > narrativeMaxChars {
		idx := strings.IndexByte(narrative, '\n')
		if idx < 0 {
			return truncateRunes(narrative, narrativeMaxChars, truncationMarker)
		}
		narrative = narrative[idx+1:]
	}
	return narrative
}

// QueueDepth reports the number of pending tasks, for diagnostics.
func (u *Updater) QueueDepth() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, q := range u.queues {
		n += len(q)
	}
	return n
}

// Close stops accepting tasks and waits up to DrainTimeout for in-flight
// updates. Pending tasks that never started are dropped with a warning;
// their check-ins were already persisted, so only narrative freshness is
// lost.
func (u *Updater) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	pending := 0
	for _, q := range u.queues {
		pending += len(q)
	}
	u.queues = make(map[string][]Task)
	u.mu.Unlock()

	close(u.done)

	if pending > 0 {
		if u.queueDepth != nil {
			u.queueDepth.Add(context.Background(), -int64(pending))
		}
		u.logger.Warn("dropping pending longitudinal updates on close",
			zap.Int("pending", pending))
	}

	waited := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-time.After(u.config.DrainTimeout):
		return errors.New("timed out draining longitudinal updates")
	}
}
