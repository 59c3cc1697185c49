package parser

import (
	"encoding/json"
	"sort"
	"strings"
)

// completionKeys are the envelope fields known to carry generated text.
// Checked in order at each level of a decoded envelope.
var completionKeys = []string{"completion", "response"}

// unwrapEnvelope extracts generated text from a JSON transport envelope
// when the input is one. Some transports hand back an array or object
// with the actual completion nested inside; the parser must interpret
// the completion, not the wrapper. Input that is not valid JSON, or that
// carries no completion field, is returned unchanged.
func unwrapEnvelope(text string) string {
	if len(text) == 0 || (text[0] != '{' && text[0] != '[') {
		return text
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return text
	}
	if inner, ok := findCompletion(decoded); ok {
		return strings.TrimSpace(inner)
	}
	return text
}

// findCompletion walks a decoded JSON value depth-first looking for the
// first non-empty string under a known completion key. Map keys are
// visited in sorted order so the walk is deterministic.
func findCompletion(v any) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range completionKeys {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := findCompletion(t[k]); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := findCompletion(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

// thinkingTags are the delimiters local reasoning models wrap their
// chain-of-thought in. Blocks delimited by any of these are removed
// outright; an unterminated block swallows the rest of the text.
var thinkingTags = []string{"think", "thinking", "reasoning"}

// reasoningMarkers are the words an informal reasoning preamble tends to
// open with. Lowercase; entries ending in a letter are matched up to a
// word boundary.
var reasoningMarkers = []string{
	"okay", "ok", "alright", "hmm", "let me", "let's",
	"thinking", "i think", "first,", "so,", "well,",
}

// stripThinking removes reasoning content that precedes the model's
// actual answer. Formally delimited blocks are cut wherever they appear.
// If the remaining text still opens with an informal reasoning marker,
// the last paragraph is kept when there are several; otherwise only the
// first line is dropped.
func stripThinking(text string) string {
	text = stripDelimitedBlocks(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if !opensWithMarker(foldASCII(text)) {
		return text
	}
	if paras := splitParagraphs(text); len(paras) > 1 {
		return paras[len(paras)-1]
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return ""
}

func stripDelimitedBlocks(text string) string {
	folded := foldASCII(text)
	for _, tag := range thinkingTags {
		open := "<" + tag + ">"
		clos := "</" + tag + ">"
		for {
			i := strings.Index(folded, open)
			if i < 0 {
				break
			}
			j := strings.Index(folded[i+len(open):], clos)
			if j < 0 {
				text = text[:i]
				folded = folded[:i]
				break
			}
			end := i + len(open) + j + len(clos)
			text = text[:i] + text[end:]
			folded = folded[:i] + folded[end:]
		}
	}
	return text
}

func opensWithMarker(folded string) bool {
	for _, m := range reasoningMarkers {
		if !strings.HasPrefix(folded, m) {
			continue
		}
		last := m[len(m)-1]
		if !isWordByte(last) {
			return true
		}
		if len(folded) == len(m) || !isWordByte(folded[len(m)]) {
			return true
		}
	}
	return false
}

// splitParagraphs splits on blank lines, dropping paragraphs that trim
// to nothing.
func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}
