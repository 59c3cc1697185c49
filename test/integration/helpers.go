package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/config"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/inference"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/notify"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
	"github.com/fyrsmithlabs/vigild/internal/safetyplan"
	"github.com/fyrsmithlabs/vigild/internal/store"
	"github.com/fyrsmithlabs/vigild/internal/triage"
	"github.com/fyrsmithlabs/vigild/pkg/server"
)

// scriptedEngine plays canned model replies in order, repeating the last
// one. A load error makes every generation fail so the deterministic
// path governs.
type scriptedEngine struct {
	mu      sync.Mutex
	loadErr error
	replies []string
	calls   int
}

func (e *scriptedEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

func (e *scriptedEngine) Generate(ctx context.Context, promptText string, emit func(string) error) error {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	if idx >= len(e.replies) {
		idx = len(e.replies) - 1
	}
	var reply string
	if idx >= 0 {
		reply = e.replies[idx]
	}
	e.mu.Unlock()

	return emit(reply)
}

func (e *scriptedEngine) Close() error { return nil }

// failingNarrator forces the updater onto its deterministic narrative
// path, keeping integration outcomes reproducible.
type failingNarrator struct{}

func (failingNarrator) Narrative(context.Context, longitudinal.State, longitudinal.CheckInOutcome) (string, error) {
	return "", clinical.ErrModelUnavailable
}

// daemon is the full pipeline assembled over one SQLite file, fronted by
// the real HTTP server. Requests are served in-process.
type daemon struct {
	engine       *scriptedEngine
	sqlite       *store.SQLite
	retrier      *store.Retrier
	orchestrator *inference.Orchestrator
	updater      *longitudinal.Updater
	crisis       *crisis.Manager
	plans        *safetyplan.Service
	triage       *triage.Service
	server       *server.Server
}

// newDaemon builds the pipeline on dbPath with the given model replies.
// Passing the same path across daemons simulates a restart.
func newDaemon(t *testing.T, dbPath string, replies ...string) *daemon {
	t.Helper()

	ctx := context.Background()
	logger := zap.NewNop()

	sqlite, err := store.OpenSQLite(dbPath, logger)
	require.NoError(t, err, "Should open SQLite store")

	retrier, err := store.NewRetrier(&store.RetryConfig{
		Interval:    10 * time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
	}, sqlite, logger)
	require.NoError(t, err, "Should create retry queue")
	require.NoError(t, retrier.Recover(ctx), "Should recover pending writes")

	engine := &scriptedEngine{replies: replies}
	orchestrator, err := inference.NewOrchestrator(&inference.Config{
		FirstFragmentTimeout: 2 * time.Second,
		MaxOutputChars:       4000,
		RecommendationGrace:  200,
	}, engine, logger)
	require.NoError(t, err, "Should create orchestrator")

	compressor := longitudinal.NewCompressor(longitudinal.CompressorConfig{})
	composer := prompt.NewComposer(prompt.DefaultFieldBudgets())

	updater, err := longitudinal.NewUpdater(&longitudinal.UpdaterConfig{
		Concurrency:    1,
		NarrativeEvery: 3,
		NarrativeRate:  rate.Inf,
		NarrativeBurst: 1,
		DrainTimeout:   5 * time.Second,
	}, compressor, retrier, failingNarrator{}, logger)
	require.NoError(t, err, "Should create updater")

	crisisMgr, err := crisis.New(&crisis.Config{
		HoldingWindow:    10 * time.Minute,
		FollowUpDeadline: time.Hour,
	}, sqlite, notify.Noop{}, logger)
	require.NoError(t, err, "Should create crisis manager")
	require.NoError(t, crisisMgr.Recover(ctx), "Should recover crisis sessions")

	plans, err := safetyplan.NewService(&safetyplan.Config{
		ModelTimeout: 2 * time.Second,
	}, compressor, composer, orchestrator, logger)
	require.NoError(t, err, "Should create safety plan service")

	triageSvc, err := triage.NewService(&triage.Config{
		Floor:          clinical.DefaultFloorPolicy(),
		ModelTimeout:   5 * time.Second,
		PrewarmTTL:     time.Minute,
		RecentCheckIns: 5,
	}, triage.Deps{
		Store:        retrier,
		Orchestrator: orchestrator,
		Composer:     composer,
		Compressor:   compressor,
		Updates:      updater,
		Crisis:       crisisMgr,
		Reranker:     plans,
	}, logger)
	require.NoError(t, err, "Should create triage service")

	srv, err := server.NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, server.Deps{
		Triage: triageSvc,
		Crisis: crisisMgr,
		Plans:  plans,
		Pending: func() int {
			return retrier.Pending() + updater.QueueDepth()
		},
	}, logger)
	require.NoError(t, err, "Should create server")

	return &daemon{
		engine:       engine,
		sqlite:       sqlite,
		retrier:      retrier,
		orchestrator: orchestrator,
		updater:      updater,
		crisis:       crisisMgr,
		plans:        plans,
		triage:       triageSvc,
		server:       srv,
	}
}

// close shuts the daemon down in dependency order. The SQLite file
// survives for a follow-up daemon.
func (d *daemon) close(t *testing.T) {
	t.Helper()

	require.NoError(t, d.triage.Close(), "Should close triage service")
	require.NoError(t, d.plans.Close(), "Should close safety plan service")
	require.NoError(t, d.crisis.Close(), "Should close crisis manager")
	require.NoError(t, d.orchestrator.Close(), "Should close orchestrator")
	require.NoError(t, d.updater.Close(), "Should close updater")
	require.NoError(t, d.retrier.Close(), "Should close retry queue")
	require.NoError(t, d.sqlite.Close(), "Should close store")
}

// do serves one request in-process and returns the recorder.
func (d *daemon) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err, "Should marshal request body")
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	d.server.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

// decode unmarshals a response body into out.
func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "Should decode response body")
}

// waitForState polls the state route until the user's check-in count
// reaches want.
func (d *daemon) waitForState(t *testing.T, userRef string, want int) longitudinal.State {
	t.Helper()

	var state longitudinal.State
	require.Eventually(t, func() bool {
		rec := d.do(t, http.MethodGet, "/v1/state/"+userRef, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		decode(t, rec, &state)
		return state.CheckInCount >= want
	}, 5*time.Second, 20*time.Millisecond, "Longitudinal state should reach %d check-in(s)", want)

	return state
}
