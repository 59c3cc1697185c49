package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

// Placeholder marks an absent field so the model cannot mistake silence
// for a clean bill of health.
const Placeholder = "No data"

// truncationMarker terminates a field that hit its budget.
const truncationMarker = "…"

// Kind identifies a prompt use case.
type Kind string

const (
	KindRiskAssessment   Kind = "risk_assessment"
	KindNarrativeUpdate  Kind = "narrative_update"
	KindRiskExplanation  Kind = "risk_explanation"
	KindHandoffReport    Kind = "handoff_report"
	KindSafetyPlanRerank Kind = "safety_plan_rerank"
)

// FieldBudgets carries the per-field character budgets. Fields are bounded
// independently: the total context is small and fixed, so no field may
// silently consume another's share.
type FieldBudgets struct {
	Digest    int `koanf:"digest"`
	Screening int `koanf:"screening"`
	Health    int `koanf:"health"`
	Telemetry int `koanf:"telemetry"`
	Voice     int `koanf:"voice"`
	Narrative int `koanf:"narrative"`
	Reasoning int `koanf:"reasoning"`
}

// DefaultFieldBudgets returns the stock budgets, sized for a small local
// context window.
func DefaultFieldBudgets() FieldBudgets {
	return FieldBudgets{
		Digest:    600,
		Screening: 300,
		Health:    300,
		Telemetry: 400,
		Voice:     400,
		Narrative: 2000,
		Reasoning: 400,
	}
}

// Composer builds prompts for every pipeline use case. Budgets can be
// swapped live through SetBudgets; each prompt is built from one
// consistent snapshot.
type Composer struct {
	mu      sync.RWMutex
	budgets FieldBudgets
}

// NewComposer creates a Composer, replacing non-positive budgets with the
// defaults.
func NewComposer(budgets FieldBudgets) *Composer {
	return &Composer{budgets: normalizeBudgets(budgets)}
}

// SetBudgets replaces the field budgets. Non-positive values are
// normalized to the defaults, the same as at construction.
func (c *Composer) SetBudgets(budgets FieldBudgets) {
	budgets = normalizeBudgets(budgets)
	c.mu.Lock()
	c.budgets = budgets
	c.mu.Unlock()
}

func (c *Composer) fieldBudgets() FieldBudgets {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budgets
}

func normalizeBudgets(budgets FieldBudgets) FieldBudgets {
	def := DefaultFieldBudgets()
	if budgets.Digest <= 0 {
		budgets.Digest = def.Digest
	}
	if budgets.Screening <= 0 {
		budgets.Screening = def.Screening
	}
	if budgets.Health <= 0 {
		budgets.Health = def.Health
	}
	if budgets.Telemetry <= 0 {
		budgets.Telemetry = def.Telemetry
	}
	if budgets.Voice <= 0 {
		budgets.Voice = def.Voice
	}
	if budgets.Narrative <= 0 {
		budgets.Narrative = def.Narrative
	}
	if budgets.Reasoning <= 0 {
		budgets.Reasoning = def.Reasoning
	}
	return budgets
}

// RiskAssessmentInput names the fields of the risk-assessment prompt.
type RiskAssessmentInput struct {
	// Digest is the rendered longitudinal digest; empty on a first
	// check-in.
	Digest    string
	Screening clinical.ScreeningResponse
	Health    clinical.HealthSnapshot
	// Telemetry is the behavioral telemetry summary from the collaborator.
	Telemetry string
	// Voice is the voice note summary from the collaborator.
	Voice string
}

// RiskAssessment builds the assessment prompt.
func (c *Composer) RiskAssessment(in RiskAssessmentInput) string {
	bud := c.fieldBudgets()
	return substitute(riskAssessmentTemplate, map[string]string{
		"history":   bound(in.Digest, bud.Digest),
		"screening": bound(renderScreening(in.Screening), bud.Screening),
		"health":    bound(renderHealth(in.Health), bud.Health),
		"telemetry": bound(in.Telemetry, bud.Telemetry),
		"voice":     bound(in.Voice, bud.Voice),
	})
}

// NarrativeUpdateInput names the fields of the narrative-refresh prompt.
type NarrativeUpdateInput struct {
	Narrative  string
	Digest     string
	Tier       clinical.RiskTier
	Trajectory string
	Driver     string
}

// NarrativeUpdate builds the narrative-refresh prompt.
func (c *Composer) NarrativeUpdate(in NarrativeUpdateInput) string {
	bud := c.fieldBudgets()
	return substitute(narrativeUpdateTemplate, map[string]string{
		"narrative":  bound(in.Narrative, bud.Narrative),
		"digest":     bound(in.Digest, bud.Digest),
		"tier":       bound(string(in.Tier), bud.Reasoning),
		"trajectory": bound(in.Trajectory, bud.Reasoning),
		"driver":     bound(in.Driver, bud.Reasoning),
	})
}

// RiskExplanationInput names the fields of the user-facing explanation
// prompt.
type RiskExplanationInput struct {
	Tier      clinical.RiskTier
	Reasoning string
	Digest    string
}

// RiskExplanation builds the explanation prompt.
func (c *Composer) RiskExplanation(in RiskExplanationInput) string {
	bud := c.fieldBudgets()
	return substitute(riskExplanationTemplate, map[string]string{
		"tier":      bound(string(in.Tier), bud.Reasoning),
		"reasoning": bound(in.Reasoning, bud.Reasoning),
		"digest":    bound(in.Digest, bud.Digest),
	})
}

// HandoffReportInput names the fields of the clinician handoff prompt.
type HandoffReportInput struct {
	Digest    string
	Screening clinical.ScreeningResponse
	Health    clinical.HealthSnapshot
	// RecentOutcomes summarizes the latest reconciled assessments, most
	// recent first.
	RecentOutcomes string
}

// HandoffReport builds the clinician handoff prompt.
func (c *Composer) HandoffReport(in HandoffReportInput) string {
	bud := c.fieldBudgets()
	return substitute(handoffReportTemplate, map[string]string{
		"history":   bound(in.Digest, bud.Digest),
		"screening": bound(renderScreening(in.Screening), bud.Screening),
		"health":    bound(renderHealth(in.Health), bud.Health),
		"outcomes":  bound(in.RecentOutcomes, bud.Telemetry),
	})
}

// SafetyPlanRerankInput names the fields of the rerank prompt.
type SafetyPlanRerankInput struct {
	Driver   string
	Patterns []clinical.Pattern
	Digest   string
	// Sections lists the canonical section names the model must permute.
	Sections []string
}

// SafetyPlanRerank builds the rerank prompt.
func (c *Composer) SafetyPlanRerank(in SafetyPlanRerankInput) string {
	bud := c.fieldBudgets()
	patterns := make([]string, 0, len(in.Patterns))
	for _, p := range in.Patterns {
		patterns = append(patterns, string(p))
	}
	return substitute(safetyPlanRerankTemplate, map[string]string{
		"driver":   bound(in.Driver, bud.Reasoning),
		"patterns": bound(strings.Join(patterns, ", "), bud.Telemetry),
		"digest":   bound(in.Digest, bud.Digest),
		"sections": bound(strings.Join(in.Sections, "\n"), bud.Telemetry),
	})
}

// bound truncates a field to its budget and substitutes the placeholder
// for blank values. Truncation happens before substitution, per field.
func bound(value string, budget int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return Placeholder
	}
	runes := []rune(value)
	if len(runes) <= budget {
		return value
	}
	markerLen := len([]rune(truncationMarker))
	if budget <= markerLen {
		return string([]rune(truncationMarker)[:budget])
	}
	return string(runes[:budget-markerLen]) + truncationMarker
}

// substitute replaces {name} tokens in lexicographic key order so output
// is reproducible for identical inputs.
func substitute(template string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := template
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{"+k+"}", fields[k])
	}
	return out
}

// renderScreening lists the affirmative answers, one per line.
func renderScreening(s clinical.ScreeningResponse) string {
	labels := s.PositiveLabels()
	if len(labels) == 0 {
		return "All answers negative"
	}
	return strings.Join(labels, "\n")
}

// renderHealth renders captured signals in the fixed sleep, hrv, activity
// order. Absent metrics are listed explicitly.
func renderHealth(h clinical.HealthSnapshot) string {
	if h.IsEmpty() {
		return ""
	}
	var b strings.Builder
	writeSignal(&b, "Sleep", h.Sleep, "h")
	writeSignal(&b, "HRV", h.HRV, "ms")
	writeSignal(&b, "Activity", h.Activity, "min")
	return strings.TrimRight(b.String(), "\n")
}

func writeSignal(b *strings.Builder, name string, sig *clinical.HealthSignal, unit string) {
	if sig == nil {
		fmt.Fprintf(b, "%s: not captured\n", name)
		return
	}
	fmt.Fprintf(b, "%s: %.1f%s (baseline %.1f%s, z %+.1f)\n",
		name, sig.Current, unit, sig.BaselineMean, unit, sig.ZScore)
}
