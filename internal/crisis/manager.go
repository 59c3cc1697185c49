package crisis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/notify"
)

const instrumentationName = "github.com/fyrsmithlabs/vigild/internal/crisis"

// Errors surfaced to callers. The HTTP layer maps them onto statuses.
var (
	ErrNoSession        = errors.New("no open crisis session")
	ErrAlreadyEscalated = errors.New("crisis session already escalated")
	ErrManagerClosed    = errors.New("crisis manager is closed")
)

// SessionStore is the persistence the manager needs. *store.SQLite and
// *store.Memory satisfy it.
type SessionStore interface {
	// CrisisSession returns the open session for a user, nil when none.
	CrisisSession(ctx context.Context, userRef string) (*Session, error)

	// ListCrisisSessions returns every open session.
	ListCrisisSessions(ctx context.Context) ([]Session, error)

	// SaveCrisisSession upserts the open session for s.UserRef.
	SaveCrisisSession(ctx context.Context, s Session) error

	// DeleteCrisisSession removes the open session for a user.
	DeleteCrisisSession(ctx context.Context, userRef string) error

	// AppendCrisisResolution records a closed episode.
	AppendCrisisResolution(ctx context.Context, r Resolution) error
}

// Config configures the crisis manager.
type Config struct {
	// HoldingWindow is the containment period before a re-check prompt
	// is shown.
	HoldingWindow time.Duration `json:"holding_window" yaml:"holding_window"`

	// FollowUpDeadline is how long after the window elapses a re-check
	// answer may still arrive before the follow-up counts as missed.
	FollowUpDeadline time.Duration `json:"follow_up_deadline" yaml:"follow_up_deadline"`
}

// DefaultConfig returns the default crisis configuration.
func DefaultConfig() *Config {
	return &Config{
		HoldingWindow:    10 * time.Minute,
		FollowUpDeadline: 15 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.HoldingWindow <= 0 {
		return errors.New("holding window must be positive")
	}
	if c.FollowUpDeadline <= 0 {
		return errors.New("follow-up deadline must be positive")
	}
	return nil
}

// Outcome is the result of a re-check answer.
type Outcome struct {
	// Status is the state the session landed in: resolved, active
	// (after the stabilizing hop), or escalated.
	Status Status

	// Session is the open session after the transition, nil once
	// resolved.
	Session *Session

	// Remaining is the fresh window length when Status is active.
	Remaining time.Duration
}

type watchdog struct {
	cancel chan struct{}
}

// Manager drives crisis sessions through the containment loop. All
// transitions for all users are serialized; windows are minutes long and
// sessions are rare, so one writer at a time costs nothing. Timing can
// be swapped live through SetTiming; already-open windows keep the
// duration they were persisted with.
type Manager struct {
	cfgMu  sync.RWMutex
	config Config

	store    SessionStore
	notifier notify.Notifier
	logger   *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	sessionCounter metric.Int64Counter
	missCounter    metric.Int64Counter

	// fsmMu serializes session transitions, store round trips included.
	fsmMu sync.Mutex

	mu        sync.Mutex
	watchdogs map[string]*watchdog
	closed    bool

	wg sync.WaitGroup
}

// New creates a crisis manager. The notifier may be nil, in which case
// collaborator alerts are dropped.
func New(cfg *Config, st SessionStore, notifier notify.Notifier, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:    *cfg,
		store:     st,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		watchdogs: make(map[string]*watchdog),
	}
	m.initMetrics()
	return m, nil
}

// SetTiming swaps the holding window and follow-up deadline applied to
// sessions entered or re-entered from now on. Non-positive values fall
// back to defaults.
func (m *Manager) SetTiming(holding, followUp time.Duration) {
	def := DefaultConfig()
	if holding <= 0 {
		holding = def.HoldingWindow
	}
	if followUp <= 0 {
		followUp = def.FollowUpDeadline
	}
	m.cfgMu.Lock()
	m.config.HoldingWindow = holding
	m.config.FollowUpDeadline = followUp
	m.cfgMu.Unlock()
}

// timing returns one consistent snapshot of the timing configuration.
func (m *Manager) timing() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config
}

// initMetrics initializes OpenTelemetry metrics.
func (m *Manager) initMetrics() {
	var err error

	m.sessionCounter, err = m.meter.Int64Counter(
		"vigild.crisis.sessions_total",
		metric.WithDescription("Crisis session transitions by kind"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn("failed to create session counter", zap.Error(err))
	}

	m.missCounter, err = m.meter.Int64Counter(
		"vigild.crisis.followups_missed_total",
		metric.WithDescription("Mandatory follow-ups that were not answered in time"),
		metric.WithUnit("{followup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create miss counter", zap.Error(err))
	}
}

// Enter opens the holding pattern for a user and persists the window
// start. When a session is already open it is returned unchanged; the
// re-check loop, not re-entry, governs window renewal. created reports
// whether this call began a new episode.
func (m *Manager) Enter(ctx context.Context, userRef string) (s *Session, created bool, err error) {
	ctx, span := m.tracer.Start(ctx, "crisis.enter")
	defer span.End()

	if userRef == "" {
		return nil, false, errors.New("user ref is required")
	}

	m.fsmMu.Lock()
	defer m.fsmMu.Unlock()
	if m.isClosed() {
		return nil, false, ErrManagerClosed
	}

	prior, err := m.store.CrisisSession(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("loading crisis session: %w", err)
	}
	if prior != nil {
		span.SetAttributes(attribute.String("status", string(prior.Status)))
		m.logger.Debug("crisis session already open",
			zap.String("user_ref", userRef),
			zap.String("status", string(prior.Status)))
		return prior, false, nil
	}

	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserRef:   userRef,
		Status:    StatusActive,
		EnteredAt: now,
		StartedAt: now,
		Window:    m.timing().HoldingWindow,
	}
	if err := m.store.SaveCrisisSession(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("saving crisis session: %w", err)
	}

	m.armWatchdog(sess)
	m.countTransition(ctx, "entered")
	span.SetAttributes(attribute.String("status", string(StatusActive)))
	m.logger.Info("crisis session entered",
		zap.String("user_ref", userRef),
		zap.Duration("window", sess.Window))
	return &sess, true, nil
}

// Current returns the open session for a user and the remaining window
// time, deriving the active to recheck transition on demand. Returns nil
// with no error when no session is open.
func (m *Manager) Current(ctx context.Context, userRef string) (*Session, time.Duration, error) {
	ctx, span := m.tracer.Start(ctx, "crisis.current")
	defer span.End()

	m.fsmMu.Lock()
	defer m.fsmMu.Unlock()

	s, err := m.store.CrisisSession(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("loading crisis session: %w", err)
	}
	if s == nil {
		return nil, 0, nil
	}

	now := time.Now().UTC()
	if s.Status == StatusActive && s.RecheckDue(now) {
		s.Status = StatusRecheck
		// The status is derivable from the persisted start, so a failed
		// write loses bookkeeping, not the transition.
		if err := m.store.SaveCrisisSession(ctx, *s); err != nil {
			m.logger.Warn("failed to persist recheck transition",
				zap.String("user_ref", userRef),
				zap.Error(err))
		}
	}
	span.SetAttributes(attribute.String("status", string(s.Status)))
	return s, s.Remaining(now), nil
}

// Recheck applies a re-check answer and returns where the session
// landed. "More stable" resolves, "about the same" passes through
// stabilizing into a full fresh window, "worse" escalates immediately
// and alerts the collaborator without waiting for any timer.
func (m *Manager) Recheck(ctx context.Context, userRef string, resp Response) (*Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "crisis.recheck",
		trace.WithAttributes(attribute.String("response", string(resp))))
	defer span.End()

	if !resp.valid() {
		return nil, fmt.Errorf("unknown re-check response %q", resp)
	}

	m.fsmMu.Lock()
	defer m.fsmMu.Unlock()
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	s, err := m.store.CrisisSession(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading crisis session: %w", err)
	}
	if s == nil {
		return nil, ErrNoSession
	}
	if s.Status == StatusEscalated {
		return nil, ErrAlreadyEscalated
	}

	now := time.Now().UTC()
	switch resp {
	case ResponseMoreStable:
		return m.resolveSession(ctx, span, *s, now)
	case ResponseSame:
		return m.stabilize(ctx, span, *s, now)
	default:
		return m.escalate(ctx, span, *s)
	}
}

// resolveSession closes the episode with a resolution record spanning it.
func (m *Manager) resolveSession(ctx context.Context, span trace.Span, s Session, now time.Time) (*Outcome, error) {
	rec := Resolution{
		ID:         uuid.NewString(),
		UserRef:    s.UserRef,
		StartedAt:  s.EnteredAt,
		ResolvedAt: now,
		Loops:      s.Loops,
		Outcome:    StatusResolved,
	}
	if err := m.store.AppendCrisisResolution(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("recording crisis resolution: %w", err)
	}
	if err := m.store.DeleteCrisisSession(ctx, s.UserRef); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("clearing crisis session: %w", err)
	}

	m.cancelWatchdog(s.UserRef)
	m.countTransition(ctx, "resolved")
	span.SetAttributes(attribute.String("status", string(StatusResolved)))
	m.logger.Info("crisis session resolved",
		zap.String("user_ref", s.UserRef),
		zap.Int("loops", s.Loops),
		zap.Duration("episode", now.Sub(s.EnteredAt)))
	return &Outcome{Status: StatusResolved}, nil
}

// stabilize re-creates the session with a fresh full window.
func (m *Manager) stabilize(ctx context.Context, span trace.Span, s Session, now time.Time) (*Outcome, error) {
	fresh := m.reenter(s, now)
	if err := m.store.SaveCrisisSession(ctx, fresh); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("saving crisis session: %w", err)
	}

	m.armWatchdog(fresh)
	m.countTransition(ctx, "stabilizing")
	span.SetAttributes(attribute.String("status", string(StatusActive)))
	m.logger.Info("crisis window restarted",
		zap.String("user_ref", s.UserRef),
		zap.String("via", string(StatusStabilizing)),
		zap.Int("loops", fresh.Loops),
		zap.Duration("window", fresh.Window))
	return &Outcome{Status: StatusActive, Session: &fresh, Remaining: fresh.Window}, nil
}

// escalate marks the session escalated and alerts the collaborator. The
// alert is best effort; the contact prompt never waits on it.
func (m *Manager) escalate(ctx context.Context, span trace.Span, s Session) (*Outcome, error) {
	s.Status = StatusEscalated
	if err := m.store.SaveCrisisSession(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("saving crisis session: %w", err)
	}

	m.cancelWatchdog(s.UserRef)
	if err := m.notifier.Publish(ctx, notify.Event{
		Kind:    notify.KindCrisisEscalated,
		UserRef: s.UserRef,
		Detail:  "re-check answered worse",
	}); err != nil {
		m.logger.Warn("failed to publish escalation alert",
			zap.String("user_ref", s.UserRef),
			zap.Error(err))
	}

	m.countTransition(ctx, "escalated")
	span.SetAttributes(attribute.String("status", string(StatusEscalated)))
	m.logger.Warn("crisis session escalated",
		zap.String("user_ref", s.UserRef),
		zap.Int("loops", s.Loops))
	return &Outcome{Status: StatusEscalated, Session: &s}, nil
}

// Resolve closes a user's episode with an explicit start and end,
// recording the resolution and clearing the open session. Zero
// timestamps default to the episode's entry time and now. With no open
// session, explicit timestamps still record a historical resolution;
// otherwise ErrNoSession.
func (m *Manager) Resolve(ctx context.Context, userRef string, start, end time.Time) error {
	ctx, span := m.tracer.Start(ctx, "crisis.resolve")
	defer span.End()

	m.fsmMu.Lock()
	defer m.fsmMu.Unlock()
	if m.isClosed() {
		return ErrManagerClosed
	}

	s, err := m.store.CrisisSession(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading crisis session: %w", err)
	}

	if s == nil {
		if start.IsZero() || end.IsZero() {
			return ErrNoSession
		}
		rec := Resolution{
			ID:         uuid.NewString(),
			UserRef:    userRef,
			StartedAt:  start,
			ResolvedAt: end,
			Outcome:    StatusResolved,
		}
		if err := m.store.AppendCrisisResolution(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("recording crisis resolution: %w", err)
		}
		m.countTransition(ctx, "resolved")
		return nil
	}

	if start.IsZero() {
		start = s.EnteredAt
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	outcome := StatusResolved
	if s.Status == StatusEscalated {
		outcome = StatusEscalated
	}
	rec := Resolution{
		ID:         uuid.NewString(),
		UserRef:    userRef,
		StartedAt:  start,
		ResolvedAt: end,
		Loops:      s.Loops,
		Outcome:    outcome,
	}
	if err := m.store.AppendCrisisResolution(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("recording crisis resolution: %w", err)
	}
	if err := m.store.DeleteCrisisSession(ctx, userRef); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clearing crisis session: %w", err)
	}

	m.cancelWatchdog(userRef)
	m.countTransition(ctx, "resolved")
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	m.logger.Info("crisis session resolved",
		zap.String("user_ref", userRef),
		zap.String("outcome", string(outcome)))
	return nil
}

// Recover re-arms follow-up watchdogs for every open session from their
// persisted deadlines. Sessions whose deadline passed while the process
// was down are treated as missed immediately. Call once at startup.
func (m *Manager) Recover(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "crisis.recover")
	defer span.End()

	sessions, err := m.store.ListCrisisSessions(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("listing crisis sessions: %w", err)
	}

	armed := 0
	for _, s := range sessions {
		if s.Status != StatusActive && s.Status != StatusRecheck {
			continue
		}
		m.armWatchdog(s)
		armed++
	}
	span.SetAttributes(attribute.Int("sessions", len(sessions)), attribute.Int("armed", armed))
	if armed > 0 {
		m.logger.Info("crisis watchdogs recovered", zap.Int("armed", armed))
	}
	return nil
}

// armWatchdog replaces any existing watchdog for the session's user with
// one armed at the persisted miss deadline.
func (m *Manager) armWatchdog(s Session) {
	w := &watchdog{cancel: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if prior, ok := m.watchdogs[s.UserRef]; ok {
		close(prior.cancel)
	}
	m.watchdogs[s.UserRef] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(s.UserRef, s.ID, s.MissedAt(m.timing().FollowUpDeadline), w)
}

// cancelWatchdog stops the watchdog for a user, if any.
func (m *Manager) cancelWatchdog(userRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchdogs[userRef]; ok {
		delete(m.watchdogs, userRef)
		close(w.cancel)
	}
}

// watch sleeps until the miss deadline, then handles the missed
// follow-up unless cancelled first.
func (m *Manager) watch(userRef, sessionID string, deadline time.Time, w *watchdog) {
	defer m.wg.Done()

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.cancel:
		return
	case <-timer.C:
	}
	m.handleMiss(userRef, sessionID, w)
}

// handleMiss re-enters the holding pattern after an unanswered re-check
// and alerts the collaborator.
func (m *Manager) handleMiss(userRef, sessionID string, w *watchdog) {
	m.mu.Lock()
	if m.watchdogs[userRef] == w {
		delete(m.watchdogs, userRef)
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "crisis.followup_missed")
	defer span.End()

	m.fsmMu.Lock()
	defer m.fsmMu.Unlock()

	s, err := m.store.CrisisSession(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("failed to load session for missed follow-up",
			zap.String("user_ref", userRef), zap.Error(err))
		return
	}
	// Anything but the exact session the watchdog was armed for means
	// the user answered, or a newer loop replaced it, while the timer
	// fired.
	if s == nil || s.ID != sessionID {
		return
	}
	if s.Status != StatusActive && s.Status != StatusRecheck {
		return
	}

	now := time.Now().UTC()
	fresh := m.reenter(*s, now)
	if err := m.store.SaveCrisisSession(ctx, fresh); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("failed to re-enter holding pattern after missed follow-up",
			zap.String("user_ref", userRef), zap.Error(err))
		return
	}

	if err := m.notifier.Publish(ctx, notify.Event{
		Kind:    notify.KindFollowUpMissed,
		UserRef: userRef,
		Detail:  "crisis follow-up was not answered before the deadline",
	}); err != nil {
		m.logger.Warn("failed to publish missed follow-up alert",
			zap.String("user_ref", userRef), zap.Error(err))
	}

	m.armWatchdog(fresh)
	if m.missCounter != nil {
		m.missCounter.Add(ctx, 1)
	}
	m.countTransition(ctx, "missed")
	m.logger.Warn("crisis follow-up missed",
		zap.String("user_ref", userRef),
		zap.Int("loops", fresh.Loops))
}

// Close cancels every watchdog and waits for them to exit. Open sessions
// stay persisted; the next Recover re-arms them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for user, w := range m.watchdogs {
		delete(m.watchdogs, user)
		close(w.cancel)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// isClosed reports the closed flag.
func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// reenter builds the re-created session for a new holding loop: fresh
// identity, fresh full window from the current configuration, episode
// entry preserved.
func (m *Manager) reenter(prior Session, now time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		UserRef:   prior.UserRef,
		Status:    StatusActive,
		EnteredAt: prior.EnteredAt,
		StartedAt: now,
		Window:    m.timing().HoldingWindow,
		Loops:     prior.Loops + 1,
	}
}

// countTransition records a session transition by kind.
func (m *Manager) countTransition(ctx context.Context, transition string) {
	if m.sessionCounter != nil {
		m.sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", transition)))
	}
}
