package parser

import (
	"strings"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

// matchKind tags how a tier was recovered. The kinds mirror the parse
// ladder and are checked exhaustively in Parse so no strategy result can
// be dropped silently.
type matchKind int

const (
	matchNone matchKind = iota
	// matchTierLine: the first non-blank line was nothing but a tier
	// keyword. Highest-confidence shape.
	matchTierLine
	// matchKeywordLine: the first non-blank line opened with a tier
	// keyword but carried more text.
	matchKeywordLine
	// matchKeywordScan: a tier keyword appeared somewhere in the text.
	matchKeywordScan
	// matchPhraseScan: no keyword anywhere, but a natural-language risk
	// phrase mapped to a tier.
	matchPhraseScan
)

type tierMatch struct {
	kind matchKind
	tier clinical.RiskTier
	rest string
}

type tierKeyword struct {
	word string
	tier clinical.RiskTier
}

// tierKeywords maps recognized keywords to tiers, ordered most severe
// first. Scan order matters: when a text mentions several tiers, the most
// severe one governs. Entries must be lowercase.
var tierKeywords = []tierKeyword{
	{"crisis", clinical.TierCrisis},
	{"red", clinical.TierCrisis},
	{"highmonitoring", clinical.TierHighMonitoring},
	{"high monitoring", clinical.TierHighMonitoring},
	{"high-monitoring", clinical.TierHighMonitoring},
	{"amber", clinical.TierHighMonitoring},
	{"orange", clinical.TierHighMonitoring},
	{"moderate", clinical.TierModerate},
	{"yellow", clinical.TierModerate},
	{"low", clinical.TierLow},
	{"green", clinical.TierLow},
}

// riskPhrases maps natural-language risk wording to tiers, ordered most
// severe first. Checked only after the keyword scans come up empty.
var riskPhrases = []tierKeyword{
	{"imminent risk", clinical.TierCrisis},
	{"immediate danger", clinical.TierCrisis},
	{"high risk", clinical.TierHighMonitoring},
	{"elevated risk", clinical.TierHighMonitoring},
	{"close monitoring", clinical.TierHighMonitoring},
	{"some risk", clinical.TierModerate},
	{"mild concern", clinical.TierModerate},
	{"low risk", clinical.TierLow},
	{"minimal risk", clinical.TierLow},
}

// resolveTier applies the keyword ladder to cleaned text: first-line
// exact match, first-line prefix match, whole-text keyword scan, then
// whole-text phrase scan.
func resolveTier(text string) tierMatch {
	first, rest := firstLine(text)
	line := normalizeLine(first)
	for _, kw := range tierKeywords {
		if line == kw.word {
			return tierMatch{kind: matchTierLine, tier: kw.tier, rest: rest}
		}
		if hasKeywordPrefix(line, kw.word) {
			return tierMatch{kind: matchKeywordLine, tier: kw.tier}
		}
	}

	folded := foldASCII(text)
	for _, kw := range tierKeywords {
		if containsKeyword(folded, kw.word) {
			return tierMatch{kind: matchKeywordScan, tier: kw.tier}
		}
	}
	for _, ph := range riskPhrases {
		if strings.Contains(folded, ph.word) {
			return tierMatch{kind: matchPhraseScan, tier: ph.tier}
		}
	}
	return tierMatch{kind: matchNone}
}

// normalizeLine lowercases a line and strips markdown decoration and
// trailing punctuation so "**Crisis.**" compares equal to "crisis".
func normalizeLine(s string) string {
	s = strings.TrimSpace(foldASCII(s))
	s = strings.TrimLeft(s, "#*->` ")
	s = strings.TrimRight(s, "*`_ ")
	s = strings.TrimRight(s, ".,:;!")
	return strings.TrimSpace(s)
}

// hasKeywordPrefix reports whether line opens with kw followed by a word
// boundary, so "lower mood" does not match "low".
func hasKeywordPrefix(line, kw string) bool {
	if !strings.HasPrefix(line, kw) {
		return false
	}
	if len(line) == len(kw) {
		return true
	}
	return !isWordByte(line[len(kw)])
}

// containsKeyword reports whether folded contains kw as a whole word.
// Iterating bytes is safe for the boundary check because keywords are
// ASCII and ASCII bytes never occur inside a multi-byte UTF-8 sequence.
func containsKeyword(folded, kw string) bool {
	for start := 0; ; {
		i := strings.Index(folded[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || !isWordByte(folded[i-1])
		after := i+len(kw) == len(folded) || !isWordByte(folded[i+len(kw)])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// foldASCII lowercases A-Z in place without touching other bytes, so
// byte offsets into the folded string remain valid in the original.
func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// firstLine returns the first non-blank line of text and the trimmed
// remainder after it.
func firstLine(text string) (string, string) {
	remaining := text
	for {
		i := strings.IndexByte(remaining, '\n')
		if i < 0 {
			return strings.TrimSpace(remaining), ""
		}
		line := strings.TrimSpace(remaining[:i])
		remaining = remaining[i+1:]
		if line != "" {
			return line, strings.TrimSpace(remaining)
		}
	}
}
