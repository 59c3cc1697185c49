package safetyplan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/inference"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/safetyplan"

// Generator runs one bounded generation attempt. *inference.Orchestrator
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, promptText, fallback string) inference.Result
}

// Config configures the reranking service.
type Config struct {
	// ModelTimeout bounds one asynchronous refinement attempt end to
	// end, including queueing behind other generation work.
	ModelTimeout time.Duration `json:"model_timeout" yaml:"model_timeout"`
}

// DefaultConfig returns the default reranking configuration.
func DefaultConfig() *Config {
	return &Config{
		ModelTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ModelTimeout <= 0 {
		return errors.New("model timeout must be positive")
	}
	return nil
}

// orderEntry is the stored order for one user plus the revision of the
// Rerank call that produced it. A refinement only lands if no newer
// Rerank has bumped the revision underneath it.
type orderEntry struct {
	order []Section
	rev   uint64
}

// Service serves safety-plan section orders. Every Rerank stores and
// returns the rule-based order for the state's primary driver
// immediately; when a generator is available it also starts one
// background refinement that replaces the stored order only if the
// model output parses as a complete permutation of all seven sections.
type Service struct {
	config     *Config
	rules      *RuleBased
	compressor *longitudinal.Compressor
	composer   *prompt.Composer
	generator  Generator
	logger     *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	rerankCounter metric.Int64Counter

	mu     sync.Mutex
	orders map[string]*orderEntry
	closed bool

	wg sync.WaitGroup
}

// NewService creates the reranking service. The generator may be nil,
// in which case orders stay rule-based.
func NewService(cfg *Config, compressor *longitudinal.Compressor, composer *prompt.Composer, gen Generator, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if compressor == nil {
		return nil, errors.New("compressor is required")
	}
	if composer == nil {
		return nil, errors.New("composer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:     cfg,
		rules:      NewRuleBased(),
		compressor: compressor,
		composer:   composer,
		generator:  gen,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		orders:     make(map[string]*orderEntry),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.rerankCounter, err = s.meter.Int64Counter(
		"vigild.safetyplan.reranks_total",
		metric.WithDescription("Safety plan rerank outcomes by source"),
		metric.WithUnit("{rerank}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rerank counter", zap.Error(err))
	}
}

// Rerank orders the plan sections for the given state. The rule-based
// order is stored and returned at once. Patterns are forwarded to the
// model prompt only; when empty, the state's own patterns stand in. A
// nil state returns nil, meaning leave the current plan order alone.
func (s *Service) Rerank(ctx context.Context, st *longitudinal.State, patterns []clinical.Pattern) []Section {
	_, span := s.tracer.Start(ctx, "safetyplan.rerank")
	defer span.End()

	if st == nil {
		return nil
	}
	if len(patterns) == 0 {
		patterns = st.Patterns
	}

	order := s.rules.Order(st.PrimaryDriver)
	span.SetAttributes(
		attribute.String("driver", string(st.PrimaryDriver)),
		attribute.Bool("refining", s.generator != nil),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return order
	}
	e := s.orders[st.UserRef]
	if e == nil {
		e = &orderEntry{}
		s.orders[st.UserRef] = e
	}
	e.rev++
	e.order = order
	rev := e.rev
	refine := s.generator != nil
	if refine {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.count(ctx, "rules")
	s.logger.Debug("safety plan reordered by rules",
		zap.String("user_ref", st.UserRef),
		zap.String("driver", string(st.PrimaryDriver)))

	if refine {
		go s.refine(st.Clone(), patterns, rev)
	}
	return order
}

// CurrentOrder returns the latest stored order for a user, or nil when
// the user has never been reranked.
func (s *Service) CurrentOrder(userRef string) []Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[userRef]
	if !ok {
		return nil
	}
	return append([]Section(nil), e.order...)
}

// Close stops accepting rerank requests and waits for in-flight
// refinements to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// refine runs one model reranking attempt against a snapshot of the
// state. The result replaces the stored order only when it is a valid
// permutation and no newer Rerank has landed for the user meanwhile.
func (s *Service) refine(st longitudinal.State, patterns []clinical.Pattern, rev uint64) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ModelTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "safetyplan.refine",
		trace.WithAttributes(attribute.String("driver", string(st.PrimaryDriver))))
	defer span.End()

	promptText := s.composer.SafetyPlanRerank(prompt.SafetyPlanRerankInput{
		Driver:   string(st.PrimaryDriver),
		Patterns: patterns,
		Digest:   s.compressor.FormatForPrompt(st),
		Sections: Names(),
	})

	res := s.generator.Generate(ctx, promptText, "")
	if res.Source != inference.SourceModel {
		span.SetAttributes(attribute.String("outcome", "unavailable"))
		s.count(ctx, "unavailable")
		s.logger.Debug("model reranking unavailable, keeping rule order",
			zap.String("user_ref", st.UserRef),
			zap.String("state", string(res.State)))
		return
	}

	order, ok := ParsePermutation(res.Text)
	if !ok {
		span.SetAttributes(attribute.String("outcome", "rejected"))
		s.count(ctx, "rejected")
		s.logger.Debug("model reranking rejected, keeping rule order",
			zap.String("user_ref", st.UserRef))
		return
	}

	s.mu.Lock()
	e := s.orders[st.UserRef]
	stale := s.closed || e == nil || e.rev != rev
	if !stale {
		e.order = order
	}
	s.mu.Unlock()

	if stale {
		span.SetAttributes(attribute.String("outcome", "stale"))
		s.count(ctx, "stale")
		return
	}

	span.SetAttributes(attribute.String("outcome", "replaced"))
	s.count(ctx, "model")
	s.logger.Info("safety plan order refined by model",
		zap.String("user_ref", st.UserRef),
		zap.String("driver", string(st.PrimaryDriver)))
}

// count records one rerank outcome.
func (s *Service) count(ctx context.Context, source string) {
	if s.rerankCounter != nil {
		s.rerankCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", source)))
	}
}
