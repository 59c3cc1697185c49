// Package server provides the local HTTP API for the vigild daemon.
//
// The server binds to loopback by default and exposes the check-in
// pipeline, crisis containment flow, and safety-plan ordering to
// on-device clients such as vigilctl. Request bodies and responses are
// the service-layer types; no PHI is ever logged by the request
// middleware, which records only method, path, status, and timing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/config"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/logging"
	"github.com/fyrsmithlabs/vigild/internal/safetyplan"
	"github.com/fyrsmithlabs/vigild/internal/triage"
)

// Deps are the services the API fronts. Triage is required; the crisis
// manager and plan service are optional and their routes return 503
// when absent. Pending reports queued background state updates and
// feeds readiness.
type Deps struct {
	Triage  *triage.Service
	Crisis  *crisis.Manager
	Plans   *safetyplan.Service
	Pending func() int
}

// Server is the vigild HTTP API.
type Server struct {
	echo   *echo.Echo
	config config.ServerConfig
	deps   Deps
	logger *zap.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Triage == nil {
		return nil, fmt.Errorf("triage service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = config.Duration(10 * time.Second)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/assess", s.handleAssess)
	v1.POST("/prewarm", s.handlePrewarm)
	v1.GET("/state/:user", s.handleState)
	v1.GET("/report/:user", s.handleReport)
	v1.GET("/explanation/:user", s.handleExplanation)
	v1.POST("/rerank/:user", s.handleRerank)
	v1.GET("/plan/:user", s.handlePlan)
	v1.GET("/crisis/:user", s.handleCrisisStatus)
	v1.POST("/crisis/:user/enter", s.handleCrisisEnter)
	v1.POST("/crisis/:user/recheck", s.handleCrisisRecheck)
	v1.POST("/crisis/:user/resolve", s.handleCrisisResolve)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// StatusResponse acknowledges an accepted request with no payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// ReportResponse is the response body for the report and explanation
// routes.
type ReportResponse struct {
	UserRef string `json:"user_ref"`
	Text    string `json:"text"`
}

// CrisisStatusResponse is the response body for GET /v1/crisis/:user.
type CrisisStatusResponse struct {
	Session          *crisis.Session `json:"session"`
	RemainingSeconds int             `json:"remaining_seconds"`
	RecheckDue       bool            `json:"recheck_due"`
}

// CrisisEnterResponse is the response body for POST /v1/crisis/:user/enter.
type CrisisEnterResponse struct {
	Session *crisis.Session `json:"session"`
	Created bool            `json:"created"`
}

// RecheckRequest is the request body for POST /v1/crisis/:user/recheck.
type RecheckRequest struct {
	Response string `json:"response"`
}

// RecheckResponse is the response body for POST /v1/crisis/:user/recheck.
type RecheckResponse struct {
	Status           crisis.Status   `json:"status"`
	Session          *crisis.Session `json:"session,omitempty"`
	RemainingSeconds int             `json:"remaining_seconds,omitempty"`
}

// ResolveRequest is the request body for POST /v1/crisis/:user/resolve.
// Both timestamps are optional; zero values default to the episode
// bounds.
type ResolveRequest struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// PlanResponse is the response body for the rerank and plan routes.
type PlanResponse struct {
	UserRef string               `json:"user_ref"`
	Order   []safetyplan.Section `json:"order"`
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz reports readiness. A non-empty background update queue
// degrades readiness without failing liveness, so supervisors hold new
// traffic while queued state changes drain.
func (s *Server) handleReadyz(c echo.Context) error {
	pending := 0
	if s.deps.Pending != nil {
		pending = s.deps.Pending()
	}
	if pending > 0 {
		return c.JSON(http.StatusServiceUnavailable, ReadyResponse{Status: "degraded", Pending: pending})
	}
	return c.JSON(http.StatusOK, ReadyResponse{Status: "ready"})
}

// handleAssess runs one check-in through the full pipeline.
func (s *Server) handleAssess(c echo.Context) error {
	var req triage.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid assess request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := checkUserRef(req.UserRef); err != nil {
		return err
	}

	outcome, err := s.deps.Triage.Assess(c.Request().Context(), req)
	if err != nil {
		return s.serviceError(c, "assess", err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// handlePrewarm starts a generation ahead of the check-in submission.
func (s *Server) handlePrewarm(c echo.Context) error {
	var req triage.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid prewarm request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := checkUserRef(req.UserRef); err != nil {
		return err
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id field is required")
	}

	if err := s.deps.Triage.Prewarm(c.Request().Context(), req); err != nil {
		return s.serviceError(c, "prewarm", err)
	}
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "started"})
}

// handleState returns the persisted longitudinal state for a user.
func (s *Server) handleState(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}

	state, err := s.deps.Triage.State(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "state", err)
	}
	if state == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no longitudinal state for user")
	}
	return c.JSON(http.StatusOK, state)
}

// handleReport renders the clinician handoff report.
func (s *Server) handleReport(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}

	text, err := s.deps.Triage.HandoffReport(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "report", err)
	}
	return c.JSON(http.StatusOK, ReportResponse{UserRef: userRef, Text: text})
}

// handleExplanation renders the user-facing risk explanation.
func (s *Server) handleExplanation(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}

	text, err := s.deps.Triage.RiskExplanation(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "explanation", err)
	}
	return c.JSON(http.StatusOK, ReportResponse{UserRef: userRef, Text: text})
}

// handleRerank reorders the user's safety plan from current state.
func (s *Server) handleRerank(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Plans == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "plan reranking is not configured")
	}

	state, err := s.deps.Triage.State(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "rerank", err)
	}
	if state == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no longitudinal state for user")
	}

	order := s.deps.Plans.Rerank(c.Request().Context(), state, nil)
	return c.JSON(http.StatusOK, PlanResponse{UserRef: userRef, Order: order})
}

// handlePlan returns the current safety-plan section order.
func (s *Server) handlePlan(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Plans == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "plan reranking is not configured")
	}

	return c.JSON(http.StatusOK, PlanResponse{
		UserRef: userRef,
		Order:   s.deps.Plans.CurrentOrder(userRef),
	})
}

// handleCrisisStatus returns the open crisis session, if any.
func (s *Server) handleCrisisStatus(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Crisis == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crisis containment is not configured")
	}

	session, remaining, err := s.deps.Crisis.Current(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "crisis status", err)
	}
	if session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no open crisis session")
	}
	return c.JSON(http.StatusOK, CrisisStatusResponse{
		Session:          session,
		RemainingSeconds: int(remaining.Round(time.Second).Seconds()),
		RecheckDue:       remaining <= 0,
	})
}

// handleCrisisEnter opens or re-anchors a crisis session.
func (s *Server) handleCrisisEnter(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Crisis == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crisis containment is not configured")
	}

	session, created, err := s.deps.Crisis.Enter(c.Request().Context(), userRef)
	if err != nil {
		return s.serviceError(c, "crisis enter", err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, CrisisEnterResponse{Session: session, Created: created})
}

// handleCrisisRecheck applies a re-check answer to the open session.
func (s *Server) handleCrisisRecheck(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Crisis == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crisis containment is not configured")
	}

	var req RecheckRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid recheck request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := crisis.ParseResponse(req.Response)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome, err := s.deps.Crisis.Recheck(c.Request().Context(), userRef, resp)
	if err != nil {
		return s.serviceError(c, "crisis recheck", err)
	}
	return c.JSON(http.StatusOK, RecheckResponse{
		Status:           outcome.Status,
		Session:          outcome.Session,
		RemainingSeconds: int(outcome.Remaining.Round(time.Second).Seconds()),
	})
}

// handleCrisisResolve closes the user's crisis episode.
func (s *Server) handleCrisisResolve(c echo.Context) error {
	userRef := c.Param("user")
	if err := checkUserRef(userRef); err != nil {
		return err
	}
	if s.deps.Crisis == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "crisis containment is not configured")
	}

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid resolve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.deps.Crisis.Resolve(c.Request().Context(), userRef, req.Start, req.End); err != nil {
		return s.serviceError(c, "crisis resolve", err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "resolved"})
}

// checkUserRef rejects user identifiers that would not survive logging
// and storage, before they reach any service.
func checkUserRef(userRef string) error {
	if userRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_ref field is required")
	}
	if !logging.ValidRef(userRef) {
		return echo.NewHTTPError(http.StatusBadRequest, "user_ref must be alphanumeric with - or _")
	}
	return nil
}

// serviceError maps service-layer failures onto HTTP statuses. Internal
// detail is logged, never returned; the identifier-only fields here are
// safe for the redacting log pipeline.
func (s *Server) serviceError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, crisis.ErrNoSession):
		return echo.NewHTTPError(http.StatusNotFound, "no open crisis session")
	case errors.Is(err, crisis.ErrAlreadyEscalated):
		return echo.NewHTTPError(http.StatusConflict, "crisis session already escalated")
	case errors.Is(err, triage.ErrNoHistory):
		return echo.NewHTTPError(http.StatusNotFound, "no check-in history for user")
	case errors.Is(err, triage.ErrServiceClosed), errors.Is(err, crisis.ErrManagerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down")
	case errors.Is(err, clinical.ErrModelUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "generation engine unavailable")
	}

	s.logger.Error("request failed",
		zap.String("op", op),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server and blocks until the context is
// cancelled. On cancellation it performs graceful shutdown with the
// configured timeout and returns http.ErrServerClosed.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
		if err := s.echo.Start(s.config.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.config.ShutdownTimeout.Duration(),
		)
		defer cancel()

		s.logger.Info("shutting down http server")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes in tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
