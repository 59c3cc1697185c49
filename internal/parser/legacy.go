package parser

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

// legacyPayload is the structured object an earlier generation format
// emitted. Only tier and the reasoning/action text are consumed; score
// and deviations are tolerated so the object decodes, but they carry no
// calibrated meaning.
type legacyPayload struct {
	Tier       any             `json:"tier"`
	Score      json.RawMessage `json:"score"`
	Reasoning  string          `json:"reasoning"`
	Deviations json.RawMessage `json:"deviations"`
	Action     string          `json:"action"`
}

// decodeLegacy locates balanced objects in the text and decodes the
// first one whose tier field resolves to a known tier. Last-resort
// strategy: it runs only when no keyword or phrase matched anywhere.
func decodeLegacy(text string) (clinical.RiskTier, string, bool) {
	for _, candidate := range balancedObjects(text) {
		var payload legacyPayload
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		tier, ok := legacyTier(payload.Tier)
		if !ok {
			continue
		}
		reason := strings.TrimSpace(payload.Reasoning)
		if reason == "" {
			reason = strings.TrimSpace(payload.Action)
		}
		return tier, reason, true
	}
	return "", "", false
}

// legacyTier coerces the legacy tier field: a string is matched against
// the keyword table, a number is read as a severity rank with low at 0.
func legacyTier(v any) (clinical.RiskTier, bool) {
	switch t := v.(type) {
	case string:
		word := normalizeLine(t)
		for _, kw := range tierKeywords {
			if word == kw.word {
				return kw.tier, true
			}
		}
	case float64:
		if t != math.Trunc(t) {
			return "", false
		}
		switch int(t) {
		case 0:
			return clinical.TierLow, true
		case 1:
			return clinical.TierModerate, true
		case 2:
			return clinical.TierHighMonitoring, true
		case 3:
			return clinical.TierCrisis, true
		}
	}
	return "", false
}

// balancedObjects returns every top-level {...} span in s, in order. A
// byte-level state machine tracks string and escape state so braces
// inside JSON strings do not affect nesting depth. Byte iteration is
// safe here: the delimiters are ASCII, and ASCII bytes never occur
// inside a multi-byte UTF-8 sequence.
func balancedObjects(s string) []string {
	var (
		spans    []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		b := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, s[start:i+1])
				start = -1
			}
		}
	}
	return spans
}
