package integration

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/safetyplan"
	"github.com/fyrsmithlabs/vigild/internal/triage"
	"github.com/fyrsmithlabs/vigild/pkg/server"
)

// TestCheckIn_LowRiskAgreement validates the happy path end to end: a
// quiet check-in, a model reply agreeing with the floor, and the
// longitudinal state folding in the background.
func TestCheckIn_LowRiskAgreement(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newDaemon(t, filepath.Join(t.TempDir(), "vigild.db"),
		"low\nBaseline presentation with stable sleep and engagement.\nRecommendations:\n- Keep the current check-in cadence")
	defer d.close(t)

	rec := d.do(t, http.MethodPost, "/v1/assess", triage.Request{
		UserRef:   "int-user-1",
		Screening: clinical.ScreeningResponse{},
		Telemetry: "8200 steps, normal messaging volume",
	})
	require.Equal(t, http.StatusOK, rec.Code, "Assess should succeed")

	var outcome triage.Outcome
	decode(t, rec, &outcome)

	assert.Equal(t, clinical.TierLow, outcome.CheckIn.Resolution.FinalTier, "Final tier should be low")
	assert.Equal(t, clinical.ProvenanceAgreement, outcome.CheckIn.Resolution.Provenance, "Floor and model should agree")
	require.NotNil(t, outcome.CheckIn.Assessment, "Model assessment should be present")
	assert.NotEmpty(t, outcome.ResponseText, "Response text should be present")
	assert.Equal(t, []string{"Keep the current check-in cadence"}, outcome.Recommendations)
	assert.Nil(t, outcome.Crisis, "No crisis session on a low-tier outcome")

	t.Logf("✅ Assessed low-risk check-in %s", outcome.CheckIn.ID)

	state := d.waitForState(t, "int-user-1", 1)
	assert.Equal(t, clinical.TierLow, state.LastTier, "State should carry the final tier")
	assert.Equal(t, "stable", string(state.Trajectory), "First check-in is stable by definition")

	t.Logf("✅ Longitudinal state folded in background")
}

// TestCheckIn_FloorOverridesModel validates that a screening floor of
// crisis governs regardless of the model tier, opens a crisis session,
// reorders the safety plan, and that the containment flow then resolves
// over HTTP.
func TestCheckIn_FloorOverridesModel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newDaemon(t, filepath.Join(t.TempDir(), "vigild.db"),
		"low\nPresentation appears calm and cooperative.")
	defer d.close(t)

	rec := d.do(t, http.MethodPost, "/v1/assess", triage.Request{
		UserRef: "int-user-2",
		Screening: clinical.ScreeningResponse{
			PassiveIdeation:    true,
			ActiveIdeation:     true,
			IdeationWithIntent: true,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, "Assess should succeed")

	var outcome triage.Outcome
	decode(t, rec, &outcome)

	res := outcome.CheckIn.Resolution
	assert.Equal(t, clinical.TierCrisis, res.FinalTier, "Floor must govern")
	assert.Equal(t, clinical.TierLow, res.AITier, "Model tier is recorded, not applied")
	assert.Equal(t, clinical.ProvenanceSafetyFloor, res.Provenance)

	require.NotNil(t, outcome.Crisis, "Crisis session should open")
	assert.True(t, outcome.CrisisEntered, "This check-in began the episode")
	assert.Len(t, outcome.PlanOrder, safetyplan.SectionCount, "Plan reorder should cover all sections")

	t.Logf("✅ Floor override opened crisis session %s", outcome.Crisis.ID)

	// The session is visible over the status route.
	rec = d.do(t, http.MethodGet, "/v1/crisis/int-user-2", nil)
	require.Equal(t, http.StatusOK, rec.Code, "Open session should be visible")

	var status server.CrisisStatusResponse
	decode(t, rec, &status)
	assert.Equal(t, crisis.StatusActive, status.Session.Status)
	assert.Positive(t, status.RemainingSeconds, "Holding window should be running")

	// "About the same" keeps the session open with a fresh window.
	rec = d.do(t, http.MethodPost, "/v1/crisis/int-user-2/recheck", server.RecheckRequest{Response: "same"})
	require.Equal(t, http.StatusOK, rec.Code, "Recheck should succeed")

	var recheck server.RecheckResponse
	decode(t, rec, &recheck)
	assert.Equal(t, crisis.StatusActive, recheck.Status)
	require.NotNil(t, recheck.Session)
	assert.Equal(t, 1, recheck.Session.Loops, "Stabilizing hop should count a loop")

	// "More stable" resolves the episode.
	rec = d.do(t, http.MethodPost, "/v1/crisis/int-user-2/recheck", server.RecheckRequest{Response: "stable"})
	require.Equal(t, http.StatusOK, rec.Code, "Recheck should succeed")

	recheck = server.RecheckResponse{}
	decode(t, rec, &recheck)
	assert.Equal(t, crisis.StatusResolved, recheck.Status)
	assert.Nil(t, recheck.Session, "Resolved session is destroyed")

	rec = d.do(t, http.MethodGet, "/v1/crisis/int-user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "No session after resolution")

	t.Logf("✅ Containment flow resolved over HTTP")
}

// TestCheckIn_EngineDownFallsBack validates that a dead engine degrades
// to the deterministic responder without failing the check-in.
func TestCheckIn_EngineDownFallsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newDaemon(t, filepath.Join(t.TempDir(), "vigild.db"))
	d.engine.loadErr = clinical.ErrModelUnavailable
	defer d.close(t)

	rec := d.do(t, http.MethodPost, "/v1/assess", triage.Request{
		UserRef:   "int-user-3",
		Screening: clinical.ScreeningResponse{PassiveIdeation: true},
	})
	require.Equal(t, http.StatusOK, rec.Code, "Assess must not fail with the engine down")

	var outcome triage.Outcome
	decode(t, rec, &outcome)

	res := outcome.CheckIn.Resolution
	assert.Equal(t, clinical.TierModerate, res.FinalTier, "Screening floor alone should govern")
	assert.Equal(t, clinical.ProvenanceSafetyFloor, res.Provenance)
	assert.Empty(t, res.AITier, "No model tier was produced")
	assert.Nil(t, outcome.CheckIn.Assessment, "No parsed assessment without a model")
	assert.NotEmpty(t, outcome.ResponseText, "Deterministic responder should supply the reply")

	state := d.waitForState(t, "int-user-3", 1)
	assert.Equal(t, clinical.TierModerate, state.LastTier)

	t.Logf("✅ Deterministic path carried the check-in")
}

// TestReportRoutes validates the clinician report and the user-facing
// explanation once history exists.
func TestReportRoutes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newDaemon(t, filepath.Join(t.TempDir(), "vigild.db"),
		"moderate\nSleep deviation with preserved engagement.")
	defer d.close(t)

	rec := d.do(t, http.MethodPost, "/v1/assess", triage.Request{
		UserRef:   "int-user-4",
		Screening: clinical.ScreeningResponse{PassiveIdeation: true},
	})
	require.Equal(t, http.StatusOK, rec.Code, "Assess should succeed")
	d.waitForState(t, "int-user-4", 1)

	rec = d.do(t, http.MethodGet, "/v1/report/int-user-4", nil)
	require.Equal(t, http.StatusOK, rec.Code, "Report should render")

	var report server.ReportResponse
	decode(t, rec, &report)
	assert.Equal(t, "int-user-4", report.UserRef)
	assert.NotEmpty(t, report.Text, "Report text should be present")

	rec = d.do(t, http.MethodGet, "/v1/explanation/int-user-4", nil)
	require.Equal(t, http.StatusOK, rec.Code, "Explanation should render")

	decode(t, rec, &report)
	assert.NotEmpty(t, report.Text, "Explanation text should be present")

	// A user with no history is a clean 404, not an empty report.
	rec = d.do(t, http.MethodGet, "/v1/report/int-user-absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	t.Logf("✅ Report routes rendered from stored history")
}

// TestCrisisSessionSurvivesRestart validates that an open session is
// recovered from the store by a fresh daemon on the same database.
func TestCrisisSessionSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "vigild.db")

	first := newDaemon(t, dbPath)
	rec := first.do(t, http.MethodPost, "/v1/crisis/int-user-5/enter", nil)
	require.Equal(t, http.StatusCreated, rec.Code, "Enter should create a session")

	var entered server.CrisisEnterResponse
	decode(t, rec, &entered)
	require.NotNil(t, entered.Session)
	sessionID := entered.Session.ID

	first.close(t)
	t.Logf("✅ Daemon stopped with session %s open", sessionID)

	second := newDaemon(t, dbPath)
	defer second.close(t)

	rec = second.do(t, http.MethodGet, "/v1/crisis/int-user-5", nil)
	require.Equal(t, http.StatusOK, rec.Code, "Recovered session should be visible")

	var status server.CrisisStatusResponse
	decode(t, rec, &status)
	assert.Equal(t, sessionID, status.Session.ID, "The same session should survive the restart")
	assert.Equal(t, crisis.StatusActive, status.Session.Status)

	t.Logf("✅ Session recovered after restart")
}

// TestPlanRoutes validates rerank and current-order retrieval over HTTP.
func TestPlanRoutes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newDaemon(t, filepath.Join(t.TempDir(), "vigild.db"),
		"low\nStable presentation.")
	defer d.close(t)

	// No order exists before any rerank.
	rec := d.do(t, http.MethodGet, "/v1/plan/int-user-6", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var plan server.PlanResponse
	decode(t, rec, &plan)
	assert.Empty(t, plan.Order, "No order before a rerank")

	// Rerank needs longitudinal state.
	rec = d.do(t, http.MethodPost, "/v1/rerank/int-user-6", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "Rerank without state is a 404")

	rec = d.do(t, http.MethodPost, "/v1/assess", triage.Request{
		UserRef:   "int-user-6",
		Screening: clinical.ScreeningResponse{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	d.waitForState(t, "int-user-6", 1)

	rec = d.do(t, http.MethodPost, "/v1/rerank/int-user-6", nil)
	require.Equal(t, http.StatusOK, rec.Code, "Rerank should succeed with state")

	decode(t, rec, &plan)
	require.Len(t, plan.Order, safetyplan.SectionCount, "Order should cover all sections")

	seen := make(map[safetyplan.Section]bool)
	for _, s := range plan.Order {
		assert.False(t, seen[s], "Order should not repeat %s", s)
		seen[s] = true
	}

	rec = d.do(t, http.MethodGet, "/v1/plan/int-user-6", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stored server.PlanResponse
	decode(t, rec, &stored)
	assert.Equal(t, plan.Order, stored.Order, "Stored order should match the rerank result")

	t.Logf("✅ Plan routes consistent")
}
