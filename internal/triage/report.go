package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
)

// HandoffReport renders a clinician-facing summary of the user's recent
// trajectory. The model elaborates when available; otherwise the
// deterministic rendering of the same facts is returned verbatim.
func (s *Service) HandoffReport(ctx context.Context, userRef string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "triage.handoff_report")
	defer span.End()

	if userRef == "" {
		return "", errors.New("user ref is required")
	}
	if s.isClosed() {
		return "", ErrServiceClosed
	}

	pol := s.policy()
	st, err := s.store.LongitudinalState(ctx, userRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("loading state: %w", err)
	}
	checkIns, err := s.store.CheckIns(ctx, userRef, pol.RecentCheckIns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("loading check-ins: %w", err)
	}
	if st == nil && len(checkIns) == 0 {
		return "", ErrNoHistory
	}

	fallback := renderHandoff(st, checkIns)
	if s.orchestrator == nil {
		return fallback, nil
	}

	var screening clinical.ScreeningResponse
	var health clinical.HealthSnapshot
	if len(checkIns) > 0 {
		screening = checkIns[0].Screening
		health = checkIns[0].Health
	}
	promptText := s.composer.HandoffReport(prompt.HandoffReportInput{
		Digest:         s.digest(st),
		Screening:      screening,
		Health:         health,
		RecentOutcomes: renderOutcomes(checkIns),
	})

	genCtx, cancel := context.WithTimeout(ctx, pol.ModelTimeout)
	defer cancel()
	res := s.orchestrator.Generate(genCtx, promptText, fallback)
	span.SetAttributes(attribute.String("source", string(res.Source)))
	return res.Text, nil
}

// RiskExplanation produces the user-facing explanation of the latest
// reconciled outcome. The reconciler's deterministic explanation is the
// fallback, so a dead model path still yields accurate text.
func (s *Service) RiskExplanation(ctx context.Context, userRef string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "triage.risk_explanation")
	defer span.End()

	if userRef == "" {
		return "", errors.New("user ref is required")
	}
	if s.isClosed() {
		return "", ErrServiceClosed
	}

	checkIns, err := s.store.CheckIns(ctx, userRef, 1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("loading check-ins: %w", err)
	}
	if len(checkIns) == 0 {
		return "", ErrNoHistory
	}

	latest := checkIns[0]
	span.SetAttributes(attribute.String("tier", string(latest.Resolution.FinalTier)))
	if s.orchestrator == nil {
		return latest.Resolution.Explanation, nil
	}

	promptText := s.composer.RiskExplanation(prompt.RiskExplanationInput{
		Tier:      latest.Resolution.FinalTier,
		Reasoning: latest.Resolution.Explanation,
		Digest:    s.digest(s.loadState(ctx, userRef)),
	})

	genCtx, cancel := context.WithTimeout(ctx, s.policy().ModelTimeout)
	defer cancel()
	res := s.orchestrator.Generate(genCtx, promptText, latest.Resolution.Explanation)
	return res.Text, nil
}

// renderHandoff is the deterministic report used when the model path is
// unavailable. It carries the same facts the prompt would have.
func renderHandoff(st *longitudinal.State, checkIns []clinical.CheckIn) string {
	var b strings.Builder
	b.WriteString("Clinical handoff summary\n")
	if st != nil {
		fmt.Fprintf(&b, "Trajectory: %s (driver: %s)\n", st.Trajectory, st.PrimaryDriver)
		fmt.Fprintf(&b, "Check-ins recorded: %d; recent crises: %d\n", st.CheckInCount, st.RecentCrisisCount)
		if st.DaysSinceLastCrisis != nil {
			fmt.Fprintf(&b, "Days since last crisis: %d\n", *st.DaysSinceLastCrisis)
		}
		if len(st.Patterns) > 0 {
			patterns := make([]string, 0, len(st.Patterns))
			for _, p := range st.Patterns {
				patterns = append(patterns, string(p))
			}
			fmt.Fprintf(&b, "Detected patterns: %s\n", strings.Join(patterns, ", "))
		}
	}
	if len(checkIns) > 0 {
		b.WriteString("Recent outcomes:\n")
		b.WriteString(renderOutcomes(checkIns))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderOutcomes lists reconciled outcomes one per line, most recent
// first.
func renderOutcomes(checkIns []clinical.CheckIn) string {
	var b strings.Builder
	for i, c := range checkIns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s (%s)",
			c.CreatedAt.Format("2006-01-02"), c.Resolution.FinalTier, c.Resolution.Provenance)
	}
	return b.String()
}
