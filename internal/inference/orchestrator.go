package inference

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

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/inference"

// State is one step of the per-request machine:
// idle -> loadingResource -> streaming -> terminal.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loadingResource"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timedOut"
	StateFailed    State = "failed"
)

// Source identifies which path produced the result text.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Result is the outcome of one generation request. Text is never empty:
// on any failure it carries the deterministic fallback supplied with the
// request, and Err carries the taxonomy error explaining why.
type Result struct {
	Text      string
	State     State
	Source    Source
	Err       error
	Fragments int
	Elapsed   time.Duration
}

// Config bounds a generation request.
type Config struct {
	// FirstFragmentTimeout races against the first observed fragment.
	// Zero fragments inside it marks the request timed out.
	FirstFragmentTimeout time.Duration

	// MaxOutputChars hard-caps accumulated output length in runes.
	MaxOutputChars int

	// RecommendationGrace is how many further characters are allowed
	// once the recommendation marker has been seen.
	RecommendationGrace int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FirstFragmentTimeout: 10 * time.Second,
		MaxOutputChars:       2000,
		RecommendationGrace:  200,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.FirstFragmentTimeout <= 0 {
		return errors.New("first fragment timeout must be positive")
	}
	if c.MaxOutputChars <= 0 {
		return errors.New("max output chars must be positive")
	}
	if c.RecommendationGrace < 0 {
		return errors.New("recommendation grace cannot be negative")
	}
	return nil
}

// generation is one in-flight request's handle in the exclusive slot.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives the shared engine. Exactly one generation runs at
// a time; issuing a new request cancels the prior one outright.
type Orchestrator struct {
	config *Config
	engine Engine
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	genCounter    metric.Int64Counter
	fragCounter   metric.Int64Counter
	firstFragHist metric.Float64Histogram

	loadMu sync.Mutex
	loaded bool

	mu     sync.Mutex
	active *generation
	state  State
	closed bool

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator around an engine.
func NewOrchestrator(cfg *Config, engine Engine, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config: cfg,
		engine: engine,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		state:  StateIdle,
	}
	o.initMetrics()
	return o, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (o *Orchestrator) initMetrics() {
	var err error

	o.genCounter, err = o.meter.Int64Counter(
		"vigild.inference.generations_total",
		metric.WithDescription("Generation requests by terminal state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		o.logger.Warn("failed to create generation counter", zap.Error(err))
	}

	o.fragCounter, err = o.meter.Int64Counter(
		"vigild.inference.fragments_total",
		metric.WithDescription("Text fragments received from the engine"),
		metric.WithUnit("{fragment}"),
	)
	if err != nil {
		o.logger.Warn("failed to create fragment counter", zap.Error(err))
	}

	o.firstFragHist, err = o.meter.Float64Histogram(
		"vigild.inference.first_fragment_ms",
		metric.WithDescription("Latency to the first fragment"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		o.logger.Warn("failed to create first fragment histogram", zap.Error(err))
	}
}

// Generate runs one request to a terminal state and always returns
// usable text. The model path produces it when load, streaming, and the
// stop conditions all cooperate; otherwise fallback is substituted and
// Err explains which taxonomy failure occurred.
func (o *Orchestrator) Generate(ctx context.Context, promptText, fallback string) Result {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "inference.generate",
		trace.WithAttributes(attribute.Int("prompt_chars", len(promptText))))
	defer span.End()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := &generation{cancel: cancel, done: make(chan struct{})}

	prior, err := o.claim(g)
	if err != nil {
		return o.fallbackResult(ctx, span, start, fallback, StateFailed, 0,
			fmt.Errorf("%w: %v", clinical.ErrModelUnavailable, err))
	}
	defer o.finish(g)
	if prior != nil {
		prior.cancel()
		<-prior.done
	}

	if err := o.ensureLoaded(genCtx); err != nil {
		if genCtx.Err() != nil {
			return o.fallbackResult(ctx, span, start, fallback, StateCancelled, 0,
				fmt.Errorf("%w: during resource load", clinical.ErrGenerationCancelled))
		}
		return o.fallbackResult(ctx, span, start, fallback, StateFailed, 0,
			fmt.Errorf("%w: %v", clinical.ErrModelUnavailable, err))
	}

	o.setState(g, StateStreaming)
	frags := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(frags)
		defer close(errCh)
		if err := o.engine.Generate(genCtx, promptText, func(fragment string) error {
			select {
			case frags <- fragment:
				return nil
			case <-genCtx.Done():
				return genCtx.Err()
			}
		}); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	var (
		buf      strings.Builder
		count    int
		markerAt = -1
	)
	timer := time.NewTimer(o.config.FirstFragmentTimeout)
	defer timer.Stop()
	timerC := timer.C

	for {
		select {
		case <-genCtx.Done():
			drain(frags)
			return o.fallbackResult(ctx, span, start, fallback, StateCancelled, count,
				fmt.Errorf("%w: %v", clinical.ErrGenerationCancelled, context.Cause(genCtx)))

		case <-timerC:
			cancel()
			drain(frags)
			return o.fallbackResult(ctx, span, start, fallback, StateTimedOut, count,
				fmt.Errorf("%w: no fragment within %s", clinical.ErrGenerationTimeout, o.config.FirstFragmentTimeout))

		case frag, ok := <-frags:
			if !ok {
				if err := <-errCh; err != nil {
					// The stream may close from our own cancellation
					// before the ctx branch is selected.
					if genCtx.Err() != nil {
						return o.fallbackResult(ctx, span, start, fallback, StateCancelled, count,
							fmt.Errorf("%w: %v", clinical.ErrGenerationCancelled, err))
					}
					return o.fallbackResult(ctx, span, start, fallback, StateFailed, count,
						fmt.Errorf("%w: %v", clinical.ErrModelUnavailable, err))
				}
				text := strings.TrimSpace(buf.String())
				if text == "" {
					return o.fallbackResult(ctx, span, start, fallback, StateFailed, count,
						fmt.Errorf("%w: engine produced no output", clinical.ErrModelUnavailable))
				}
				return o.modelResult(ctx, span, start, text, count)
			}
			if count == 0 {
				timer.Stop()
				timerC = nil
				if o.firstFragHist != nil {
					o.firstFragHist.Record(ctx, float64(time.Since(start).Milliseconds()))
				}
			}
			count++
			buf.WriteString(frag)
			if text, stop := o.stopText(buf.String(), &markerAt); stop {
				cancel()
				drain(frags)
				return o.modelResult(ctx, span, start, text, count)
			}
		}
	}
}

// stopText evaluates the three stop conditions against the accumulated
// output, first to trigger wins: the hard character cap, the explicit
// end sentinel, and the grace budget after a recommendation marker.
func (o *Orchestrator) stopText(accum string, markerAt *int) (string, bool) {
	if runes := []rune(accum); len(runes) > o.config.MaxOutputChars {
		return strings.TrimSpace(string(runes[:o.config.MaxOutputChars])), true
	}
	if i := strings.Index(accum, prompt.EndSentinel); i >= 0 {
		return strings.TrimSpace(accum[:i]), true
	}
	if *markerAt < 0 {
		*markerAt = strings.Index(accum, prompt.RecommendationMarker)
	}
	if *markerAt >= 0 && len(accum)-(*markerAt+len(prompt.RecommendationMarker)) >= o.config.RecommendationGrace {
		return strings.TrimSpace(accum), true
	}
	return "", false
}

// claim takes the exclusive generation slot, returning the displaced
// prior generation for the caller to cancel and await.
func (o *Orchestrator) claim(g *generation) (*generation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("orchestrator closed")
	}
	prior := o.active
	o.active = g
	o.state = StateLoading
	return prior, nil
}

// finish vacates the slot if g still holds it and signals waiters.
func (o *Orchestrator) finish(g *generation) {
	o.mu.Lock()
	if o.active == g {
		o.active = nil
		o.state = StateIdle
	}
	o.mu.Unlock()
	close(g.done)
}

func (o *Orchestrator) setState(g *generation, s State) {
	o.mu.Lock()
	if o.active == g {
		o.state = s
	}
	o.mu.Unlock()
}

// ensureLoaded loads the engine once; only success is memoized, so a
// failed load is retried by the next request.
func (o *Orchestrator) ensureLoaded(ctx context.Context) error {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	if o.loaded {
		return nil
	}
	if err := o.engine.Load(ctx); err != nil {
		return err
	}
	o.loaded = true
	return nil
}

func (o *Orchestrator) modelResult(ctx context.Context, span trace.Span, start time.Time, text string, count int) Result {
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Int("fragments", count),
		attribute.Int("output_chars", len(text)),
	)
	o.count(ctx, StateCompleted, count)
	o.logger.Debug("generation completed",
		zap.Int("fragments", count),
		zap.Int("output_chars", len(text)),
		zap.Duration("elapsed", elapsed))
	return Result{
		Text:      text,
		State:     StateCompleted,
		Source:    SourceModel,
		Fragments: count,
		Elapsed:   elapsed,
	}
}

func (o *Orchestrator) fallbackResult(ctx context.Context, span trace.Span, start time.Time, fallback string, st State, count int, err error) Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.count(ctx, st, count)
	if st == StateCancelled {
		o.logger.Debug("generation cancelled", zap.Error(err))
	} else {
		o.logger.Warn("generation fell back",
			zap.String("state", string(st)),
			zap.Error(err))
	}
	return Result{
		Text:      fallback,
		State:     st,
		Source:    SourceFallback,
		Err:       err,
		Fragments: count,
		Elapsed:   time.Since(start),
	}
}

func (o *Orchestrator) count(ctx context.Context, st State, fragments int) {
	if o.genCounter != nil {
		o.genCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(st))))
	}
	if o.fragCounter != nil && fragments > 0 {
		o.fragCounter.Add(ctx, int64(fragments))
	}
}

// drain discards remaining fragments until the producer closes the
// channel, so no goroutine is left blocked on a send.
func drain(frags <-chan string) {
	for range frags {
	}
}

// Pending is a generation started ahead of need, typically while the
// user is still answering the screening questions.
type Pending struct {
	done   chan struct{}
	result Result
}

// Await blocks until the generation reaches a terminal state or ctx is
// done. The second return is false when ctx won.
func (p *Pending) Await(ctx context.Context) (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	case <-ctx.Done():
		return Result{}, false
	}
}

// Ready reports whether the result is already available.
func (p *Pending) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Start launches a generation in the background and returns a handle to
// await it. The usual exclusivity applies: a later request, started or
// direct, cancels this one.
func (o *Orchestrator) Start(ctx context.Context, promptText, fallback string) *Pending {
	p := &Pending{done: make(chan struct{})}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		p.result = o.Generate(ctx, promptText, fallback)
		close(p.done)
	}()
	return p
}

// Cancel aborts the in-flight generation, if any. The affected request
// returns a cancelled Result with its fallback text.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	g := o.active
	o.mu.Unlock()
	if g != nil {
		g.cancel()
	}
}

// Reset cancels any in-flight generation and unloads the engine so the
// next request starts from a clean load. Repeated calls are no-ops once
// unloaded.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	g := o.active
	o.mu.Unlock()
	if g != nil {
		g.cancel()
		<-g.done
	}

	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	if !o.loaded {
		return nil
	}
	o.loaded = false
	if err := o.engine.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}

// State reports the live machine state for diagnostics.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Loaded reports whether the engine is resident.
func (o *Orchestrator) Loaded() bool {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	return o.loaded
}

// Close cancels any in-flight work, waits for background generations,
// and unloads the engine. Idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	g := o.active
	o.mu.Unlock()

	if g != nil {
		g.cancel()
		<-g.done
	}
	o.wg.Wait()

	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	if !o.loaded {
		return nil
	}
	o.loaded = false
	return o.engine.Close()
}
