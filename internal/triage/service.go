package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/inference"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/parser"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
	"github.com/fyrsmithlabs/vigild/internal/safetyplan"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/triage"

// Errors surfaced to callers. The HTTP layer maps them onto statuses.
var (
	ErrServiceClosed = errors.New("triage service is closed")
	ErrNoHistory     = errors.New("no history recorded for user")
)

// Store is the persistence the facade needs. *store.SQLite, *store.Memory,
// and *store.Retrier satisfy it.
type Store interface {
	SaveCheckIn(ctx context.Context, c clinical.CheckIn) error
	CheckIns(ctx context.Context, userRef string, limit int) ([]clinical.CheckIn, error)
	LongitudinalState(ctx context.Context, userRef string) (*longitudinal.State, error)
}

// Dispatcher accepts fire-and-forget longitudinal update tasks.
// *longitudinal.Updater satisfies it.
type Dispatcher interface {
	Enqueue(task longitudinal.Task) error
}

// CrisisManager opens the containment flow for crisis-tier outcomes.
// *crisis.Manager satisfies it.
type CrisisManager interface {
	Enter(ctx context.Context, userRef string) (*crisis.Session, bool, error)
}

// Reranker reorders the safety plan against a user's current state.
// *safetyplan.Service satisfies it.
type Reranker interface {
	Rerank(ctx context.Context, st *longitudinal.State, patterns []clinical.Pattern) []safetyplan.Section
}

// Config configures the triage pipeline.
type Config struct {
	// Floor carries the screening policy for the safety-floor calculator.
	Floor clinical.FloorPolicy `json:"floor" yaml:"floor"`

	// ModelTimeout bounds one full AI attempt, resource load included.
	ModelTimeout time.Duration `json:"model_timeout" yaml:"model_timeout"`

	// PrewarmTTL is how long an unconsumed prewarmed generation stays
	// claimable by its session.
	PrewarmTTL time.Duration `json:"prewarm_ttl" yaml:"prewarm_ttl"`

	// RecentCheckIns is how many recent outcomes a handoff report covers.
	RecentCheckIns int `json:"recent_check_ins" yaml:"recent_check_ins"`
}

// DefaultConfig returns the default triage configuration.
func DefaultConfig() *Config {
	return &Config{
		Floor:          clinical.DefaultFloorPolicy(),
		ModelTimeout:   30 * time.Second,
		PrewarmTTL:     5 * time.Minute,
		RecentCheckIns: 5,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ModelTimeout <= 0 {
		return errors.New("model timeout must be positive")
	}
	if c.PrewarmTTL <= 0 {
		return errors.New("prewarm ttl must be positive")
	}
	if c.RecentCheckIns <= 0 {
		return errors.New("recent check-ins must be positive")
	}
	return nil
}

// Request carries one check-in's inputs through the pipeline.
type Request struct {
	// UserRef is the stable pseudonymous user reference.
	UserRef string `json:"user_ref"`

	// SessionID correlates a Prewarm with the Assess that consumes its
	// generation. Optional.
	SessionID string `json:"session_id,omitempty"`

	Screening clinical.ScreeningResponse `json:"screening"`
	Health    clinical.HealthSnapshot    `json:"health"`

	// Telemetry is the behavioral telemetry summary supplied by the
	// collaborator app.
	Telemetry string `json:"telemetry,omitempty"`

	// Voice is the transcribed voice note summary.
	Voice string `json:"voice,omitempty"`
}

// Outcome is everything a completed check-in produced.
type Outcome struct {
	// CheckIn is the persisted record: inputs, reconciled resolution, and
	// the parsed assessment when the model path completed.
	CheckIn clinical.CheckIn `json:"check_in"`

	// ResponseText is the user-facing reply, model-generated or the
	// deterministic stand-in.
	ResponseText string `json:"response_text"`

	// Recommendations are the action items parsed from the reply.
	Recommendations []string `json:"recommendations,omitempty"`

	// Crisis is the open containment session when the final tier reached
	// crisis; CrisisEntered reports whether this check-in began the
	// episode.
	Crisis        *crisis.Session `json:"crisis,omitempty"`
	CrisisEntered bool            `json:"crisis_entered,omitempty"`

	// PlanOrder is the reordered safety plan when a new crisis episode
	// triggered a rerank.
	PlanOrder []safetyplan.Section `json:"plan_order,omitempty"`
}

// Deps are the collaborators behind the facade. Store, Composer, and
// Compressor are required. A nil Orchestrator disables the AI path, a nil
// Updates drops longitudinal maintenance, a nil Crisis leaves containment
// to the caller, and a nil Reranker skips plan reordering.
type Deps struct {
	Store        Store
	Orchestrator *inference.Orchestrator
	Composer     *prompt.Composer
	Compressor   *longitudinal.Compressor
	Updates      Dispatcher
	Crisis       CrisisManager
	Reranker     Reranker
}

// prewarmEntry is one unconsumed proactive generation.
type prewarmEntry struct {
	pending *inference.Pending
	cancel  context.CancelFunc
	created time.Time
}

// Service runs check-ins end to end. The safety floor is computed before
// anything else and governs whenever the AI path cannot contribute, so
// every call returns a usable outcome within the configured budget.
// Policy knobs can be swapped live through SetPolicy; each operation
// reads one consistent snapshot.
type Service struct {
	cfgMu  sync.RWMutex
	config Config

	store        Store
	orchestrator *inference.Orchestrator
	composer     *prompt.Composer
	compressor   *longitudinal.Compressor
	parser       *parser.Parser
	responder    *inference.Responder
	updates      Dispatcher
	crisis       CrisisManager
	reranker     Reranker
	logger       *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	assessCounter  metric.Int64Counter
	parseCounter   metric.Int64Counter
	prewarmCounter metric.Int64Counter
	assessHist     metric.Float64Histogram

	mu       sync.Mutex
	prewarms map[string]*prewarmEntry
	closed   bool
}

// NewService creates the triage facade.
func NewService(cfg *Config, deps Deps, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Composer == nil {
		return nil, errors.New("composer is required")
	}
	if deps.Compressor == nil {
		return nil, errors.New("compressor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:       *cfg,
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		composer:     deps.Composer,
		compressor:   deps.Compressor,
		parser:       parser.New(),
		responder:    inference.NewResponder(),
		updates:      deps.Updates,
		crisis:       deps.Crisis,
		reranker:     deps.Reranker,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
		prewarms:     make(map[string]*prewarmEntry),
	}
	s.initMetrics()
	return s, nil
}

// SetPolicy swaps the screening floor and timing policy applied to
// check-ins from now on. Non-positive numeric fields fall back to
// defaults; the configured planning tier is clamped at evaluation time.
func (s *Service) SetPolicy(cfg Config) {
	def := DefaultConfig()
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = def.ModelTimeout
	}
	if cfg.PrewarmTTL <= 0 {
		cfg.PrewarmTTL = def.PrewarmTTL
	}
	if cfg.RecentCheckIns <= 0 {
		cfg.RecentCheckIns = def.RecentCheckIns
	}
	s.cfgMu.Lock()
	s.config = cfg
	s.cfgMu.Unlock()
}

// policy returns one consistent snapshot of the configuration.
func (s *Service) policy() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.assessCounter, err = s.meter.Int64Counter(
		"vigild.triage.assessments_total",
		metric.WithDescription("Completed assessments by final tier and provenance"),
		metric.WithUnit("{assessment}"),
	)
	if err != nil {
		s.logger.Warn("failed to create assessment counter", zap.Error(err))
	}

	s.parseCounter, err = s.meter.Int64Counter(
		"vigild.triage.parse_failures_total",
		metric.WithDescription("Model outputs the parser could not resolve"),
		metric.WithUnit("{output}"),
	)
	if err != nil {
		s.logger.Warn("failed to create parse failure counter", zap.Error(err))
	}

	s.prewarmCounter, err = s.meter.Int64Counter(
		"vigild.triage.prewarms_total",
		metric.WithDescription("Prewarmed generations by outcome"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create prewarm counter", zap.Error(err))
	}

	s.assessHist, err = s.meter.Float64Histogram(
		"vigild.triage.assess_ms",
		metric.WithDescription("End to end assessment latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		s.logger.Warn("failed to create assessment histogram", zap.Error(err))
	}
}

// Assess runs one complete check-in: safety floor, model attempt with
// deterministic stand-in, reconciliation, atomic persistence, background
// longitudinal dispatch, and crisis entry on a crisis-tier outcome. AI
// and persistence failures degrade the outcome, never fail the call.
func (s *Service) Assess(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "triage.assess")
	defer span.End()

	if req.UserRef == "" {
		return nil, errors.New("user ref is required")
	}
	if s.isClosed() {
		return nil, ErrServiceClosed
	}

	now := time.Now().UTC()
	if req.Screening.RecordedAt.IsZero() {
		req.Screening.RecordedAt = now
	}

	floorTier := clinical.TierFromScreening(req.Screening, s.policy().Floor)
	state := s.currentState(ctx, req.UserRef, now)
	fallback := s.responder.Respond(floorTier, state)

	res := s.generate(ctx, req, state, fallback)
	resolution, assessment, text, recs := s.resolve(ctx, floorTier, res, fallback, now)
	span.SetAttributes(
		attribute.String("floor_tier", string(floorTier)),
		attribute.String("final_tier", string(resolution.FinalTier)),
		attribute.String("provenance", string(resolution.Provenance)),
	)

	checkIn := clinical.CheckIn{
		ID:         uuid.NewString(),
		UserRef:    req.UserRef,
		Screening:  req.Screening,
		Health:     req.Health,
		Resolution: resolution,
		Assessment: assessment,
		CreatedAt:  now,
	}
	if err := s.store.SaveCheckIn(ctx, checkIn); err != nil {
		// Queued for retry or lost; either way the outcome still reaches
		// the user.
		s.logger.Warn("check-in persistence failed",
			zap.String("user_ref", req.UserRef),
			zap.Error(err))
	}

	outcome := longitudinal.CheckInOutcome{
		Tier:      resolution.FinalTier,
		Screening: req.Screening,
		Health:    req.Health,
		At:        now,
	}
	s.dispatchUpdate(req.UserRef, outcome)

	out := &Outcome{
		CheckIn:         checkIn,
		ResponseText:    text,
		Recommendations: recs,
	}
	if resolution.FinalTier == clinical.TierCrisis {
		s.openCrisis(ctx, req, state, outcome, out)
	}

	s.countAssessment(ctx, resolution)
	if s.assessHist != nil {
		s.assessHist.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	s.logger.Info("check-in assessed",
		zap.String("user_ref", req.UserRef),
		zap.String("final_tier", string(resolution.FinalTier)),
		zap.String("provenance", string(resolution.Provenance)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// Prewarm starts the risk-assessment generation for a session before the
// user finishes the check-in flow, hiding model latency behind the
// remaining screens. Assess with the same session id consumes the result.
func (s *Service) Prewarm(ctx context.Context, req Request) error {
	ctx, span := s.tracer.Start(ctx, "triage.prewarm")
	defer span.End()

	if req.UserRef == "" {
		return errors.New("user ref is required")
	}
	if req.SessionID == "" {
		return errors.New("session id is required")
	}
	if s.orchestrator == nil {
		return fmt.Errorf("%w: no generation engine configured", clinical.ErrModelUnavailable)
	}
	if s.isClosed() {
		return ErrServiceClosed
	}

	now := time.Now().UTC()
	pol := s.policy()
	state := s.currentState(ctx, req.UserRef, now)
	floorTier := clinical.TierFromScreening(req.Screening, pol.Floor)

	// The generation must outlive this call, so it runs under its own
	// deadline rather than the request context.
	genCtx, cancel := context.WithTimeout(context.Background(), pol.ModelTimeout)
	pending := s.orchestrator.Start(genCtx, s.assessmentPrompt(req, state), s.responder.Respond(floorTier, state))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrServiceClosed
	}
	if prior, ok := s.prewarms[req.SessionID]; ok {
		prior.cancel()
	}
	s.sweepLocked(now)
	s.prewarms[req.SessionID] = &prewarmEntry{pending: pending, cancel: cancel, created: now}
	s.mu.Unlock()

	s.countPrewarm(ctx, "started")
	s.logger.Debug("assessment prewarm started",
		zap.String("user_ref", req.UserRef),
		zap.String("session_id", req.SessionID))
	return nil
}

// State returns the persisted longitudinal state for a user, nil when
// none exists.
func (s *Service) State(ctx context.Context, userRef string) (*longitudinal.State, error) {
	if userRef == "" {
		return nil, errors.New("user ref is required")
	}
	return s.store.LongitudinalState(ctx, userRef)
}

// Close cancels unconsumed prewarmed generations and rejects new work.
// The engine, updater, and crisis manager have their own lifecycles.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, entry := range s.prewarms {
		delete(s.prewarms, id)
		entry.cancel()
	}
	s.mu.Unlock()
	return nil
}

// generate obtains the model result, preferring the generation started at
// prewarm time over a just-in-time run.
func (s *Service) generate(ctx context.Context, req Request, state *longitudinal.State, fallback string) inference.Result {
	if s.orchestrator == nil {
		return inference.Result{
			Text:   fallback,
			State:  inference.StateFailed,
			Source: inference.SourceFallback,
			Err:    fmt.Errorf("%w: no generation engine configured", clinical.ErrModelUnavailable),
		}
	}

	if entry := s.takePrewarm(ctx, req.SessionID); entry != nil {
		res, ok := entry.pending.Await(ctx)
		entry.cancel()
		if ok {
			s.countPrewarm(ctx, "hit")
			return res
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, s.policy().ModelTimeout)
	defer cancel()
	return s.orchestrator.Generate(genCtx, s.assessmentPrompt(req, state), fallback)
}

// assessmentPrompt builds the risk-assessment prompt from the request and
// the rendered history digest.
func (s *Service) assessmentPrompt(req Request, state *longitudinal.State) string {
	return s.composer.RiskAssessment(prompt.RiskAssessmentInput{
		Digest:    s.digest(state),
		Screening: req.Screening,
		Health:    req.Health,
		Telemetry: req.Telemetry,
		Voice:     req.Voice,
	})
}

// resolve turns the generation result into the reconciled resolution, the
// stamped assessment when the model produced one, the user-facing reply,
// and its recommendation list. The rule-based reply follows the same
// shape the model is instructed to produce, so both paths parse alike.
func (s *Service) resolve(ctx context.Context, floorTier clinical.RiskTier, res inference.Result, fallback string, now time.Time) (clinical.Resolution, *clinical.ClinicalAssessment, string, []string) {
	if res.Source == inference.SourceModel {
		parsed, err := s.parser.Parse(res.Text)
		if err != nil {
			if s.parseCounter != nil {
				s.parseCounter.Add(ctx, 1)
			}
			s.logger.Warn("model output unparseable, deterministic responder governs",
				zap.Int("output_chars", len(res.Text)),
				zap.Error(err))
		} else {
			parsed.ID = uuid.NewString()
			parsed.CreatedAt = now
			resolution := clinical.Reconcile(floorTier, parsed.AssessedTier, parsed.Reasoning)
			if resolution.Provenance != clinical.ProvenanceSafetyFloor {
				return resolution, &parsed, res.Text, parsed.Recommendations
			}
			// The floor overrode a lower model tier. The reply shown must
			// match the governing tier, so the rule-based text stands in;
			// the model's dissent stays on the record.
			return resolution, &parsed, fallback, s.recommendationsOf(fallback)
		}
	}
	return clinical.Reconcile(floorTier, "", ""), nil, fallback, s.recommendationsOf(fallback)
}

// recommendationsOf parses the recommendation list out of a rule-based
// reply.
func (s *Service) recommendationsOf(text string) []string {
	parsed, err := s.parser.Parse(text)
	if err != nil {
		return nil
	}
	return parsed.Recommendations
}

// openCrisis enters the containment flow and, on a new episode, reorders
// the safety plan so the first sections shown match the current driver.
func (s *Service) openCrisis(ctx context.Context, req Request, prior *longitudinal.State, outcome longitudinal.CheckInOutcome, out *Outcome) {
	if s.crisis == nil {
		return
	}
	sess, created, err := s.crisis.Enter(ctx, req.UserRef)
	if err != nil {
		s.logger.Error("failed to open crisis session",
			zap.String("user_ref", req.UserRef),
			zap.Error(err))
		return
	}
	out.Crisis = sess
	out.CrisisEntered = created
	if !created || s.reranker == nil {
		return
	}

	// The background updater has not applied this check-in yet, so the
	// rerank works from the same next state it will persist.
	next := s.compressor.Update(prior, outcome)
	next.UserRef = req.UserRef
	out.PlanOrder = s.reranker.Rerank(ctx, &next, nil)
}

// takePrewarm claims the pending generation for a session, if one is
// still live. Expired entries are cancelled and dropped.
func (s *Service) takePrewarm(ctx context.Context, sessionID string) *prewarmEntry {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	entry, ok := s.prewarms[sessionID]
	if ok {
		delete(s.prewarms, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		s.countPrewarm(ctx, "miss")
		return nil
	}
	if time.Since(entry.created) > s.policy().PrewarmTTL {
		entry.cancel()
		s.countPrewarm(ctx, "expired")
		return nil
	}
	return entry
}

// sweepLocked drops expired entries for sessions that never reached
// Assess. Callers hold mu.
func (s *Service) sweepLocked(now time.Time) {
	ttl := s.policy().PrewarmTTL
	for id, entry := range s.prewarms {
		if now.Sub(entry.created) > ttl {
			delete(s.prewarms, id)
			entry.cancel()
		}
	}
}

// loadState returns the persisted state. A read failure degrades to no
// history rather than blocking the floor path.
func (s *Service) loadState(ctx context.Context, userRef string) *longitudinal.State {
	st, err := s.store.LongitudinalState(ctx, userRef)
	if err != nil {
		s.logger.Warn("longitudinal state unavailable",
			zap.String("user_ref", userRef),
			zap.Error(err))
		return nil
	}
	return st
}

// currentState drops stale history so month-old trends cannot color a
// prompt; the background updater replaces the stored record on its next
// write.
func (s *Service) currentState(ctx context.Context, userRef string, now time.Time) *longitudinal.State {
	st := s.loadState(ctx, userRef)
	if st != nil && s.compressor.IsStale(*st, now) {
		return nil
	}
	return st
}

// digest renders the prompt digest for a state, empty when none.
func (s *Service) digest(st *longitudinal.State) string {
	if st == nil {
		return ""
	}
	return s.compressor.FormatForPrompt(*st)
}

// dispatchUpdate hands the outcome to the background updater. A closed or
// absent updater costs narrative freshness, never the check-in.
func (s *Service) dispatchUpdate(userRef string, outcome longitudinal.CheckInOutcome) {
	if s.updates == nil {
		return
	}
	if err := s.updates.Enqueue(longitudinal.Task{UserRef: userRef, Outcome: outcome}); err != nil {
		s.logger.Warn("longitudinal update not enqueued",
			zap.String("user_ref", userRef),
			zap.Error(err))
	}
}

// countAssessment records a completed assessment.
func (s *Service) countAssessment(ctx context.Context, res clinical.Resolution) {
	if s.assessCounter != nil {
		s.assessCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(res.FinalTier)),
			attribute.String("provenance", string(res.Provenance)),
		))
	}
}

// countPrewarm records a prewarm lifecycle event.
func (s *Service) countPrewarm(ctx context.Context, outcome string) {
	if s.prewarmCounter != nil {
		s.prewarmCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// isClosed reports the closed flag.
func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
