package parser

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
)

// maxReasoningSentences caps extracted reasoning. Longer generations are
// cut at the second terminal punctuation mark.
const maxReasoningSentences = 2

// Parser turns raw generated text into a clinical assessment.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse resolves raw model output in a fixed priority order:
//  1. Unwrap a JSON transport envelope carrying a nested completion.
//  2. Strip delimited thinking blocks and informal reasoning preambles.
//  3. Match the first non-blank line against the tier keyword table,
//     exact or prefix; failing that, scan the whole text for keywords,
//     then for natural-language risk phrases. All tables are ordered
//     most severe first.
//  4. A standalone tier line makes the remaining lines the reasoning;
//     any other match makes the whole text the reasoning.
//  5. Reasoning is cut to at most two sentences, and a trailing
//     recommendations section is split out.
//  6. With no keyword or phrase anywhere, decode the first balanced
//     legacy object with a recognizable tier field.
//  7. Otherwise return clinical.ErrParseFailure. Callers treat it the
//     same as a model that never loaded; there is no default tier.
//
// Confidence is clinical.ConfidenceTierLine when a standalone tier line
// resolved the match and clinical.ConfidenceScanned otherwise. The
// returned assessment has no ID or timestamp; callers stamp those.
func (p *Parser) Parse(raw string) (clinical.ClinicalAssessment, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if text == "" {
		return clinical.ClinicalAssessment{}, fmt.Errorf("empty model output: %w", clinical.ErrParseFailure)
	}

	text = unwrapEnvelope(text)
	text = strings.ReplaceAll(text, prompt.EndSentinel, "")
	text = strings.TrimSpace(stripThinking(text))
	if text == "" {
		return clinical.ClinicalAssessment{}, fmt.Errorf("only reasoning content in model output: %w", clinical.ErrParseFailure)
	}

	m := resolveTier(text)
	switch m.kind {
	case matchTierLine:
		reasoning, recs := splitRecommendations(m.rest)
		return assemble(raw, m.tier, clinical.ConfidenceTierLine, reasoning, recs), nil
	case matchKeywordLine, matchKeywordScan, matchPhraseScan:
		reasoning, recs := splitRecommendations(text)
		return assemble(raw, m.tier, clinical.ConfidenceScanned, reasoning, recs), nil
	case matchNone:
		if tier, reason, ok := decodeLegacy(text); ok {
			return assemble(raw, tier, clinical.ConfidenceScanned, reason, nil), nil
		}
	}
	return clinical.ClinicalAssessment{}, fmt.Errorf("no parse strategy matched %d bytes of output: %w", len(raw), clinical.ErrParseFailure)
}

func assemble(raw string, tier clinical.RiskTier, confidence float64, reasoning string, recs []string) clinical.ClinicalAssessment {
	return clinical.ClinicalAssessment{
		AssessedTier:    tier,
		Confidence:      confidence,
		Reasoning:       truncateSentences(reasoning, maxReasoningSentences),
		Recommendations: recs,
		RawOutput:       raw,
	}
}

// splitRecommendations divides reasoning text at the recommendation
// marker, returning the text before it and the cleaned list items after
// it. Without a marker the text passes through whole.
func splitRecommendations(s string) (string, []string) {
	i := strings.Index(foldASCII(s), foldASCII(prompt.RecommendationMarker))
	if i < 0 {
		return strings.TrimSpace(s), nil
	}
	head := strings.TrimSpace(s[:i])
	var recs []string
	for _, line := range strings.Split(s[i+len(prompt.RecommendationMarker):], "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• \t"))
		if line != "" {
			recs = append(recs, line)
		}
	}
	return head, recs
}

// truncateSentences keeps at most max sentences, scanning for terminal
// punctuation. Punctuation runs count once, and a mark directly followed
// by more text (a decimal point, a version string) does not end a
// sentence.
func truncateSentences(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return s
	}
	count := 0
	for i := 0; i < len(s); i++ {
		if !isTerminal(s[i]) {
			continue
		}
		j := i
		for j+1 < len(s) && isTerminal(s[j+1]) {
			j++
		}
		if j+1 < len(s) && s[j+1] != ' ' && s[j+1] != '\n' && s[j+1] != '\t' {
			i = j
			continue
		}
		count++
		if count >= max {
			return strings.TrimSpace(s[:j+1])
		}
		i = j
	}
	return s
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}
