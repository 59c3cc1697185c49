// Package safetyplan orders the sections of a personal safety plan. A
// rule-based order keyed off the longitudinal primary driver is applied
// synchronously so the UI never waits; a model-refined order may replace
// it later, but only when the model returns a complete permutation of
// all seven known sections.
package safetyplan

import "strings"

// Section identifies one of the seven safety-plan sections.
type Section string

const (
	SectionWarningSigns       Section = "warningSigns"
	SectionCopingStrategies   Section = "copingStrategies"
	SectionSocialDistractions Section = "socialDistractions"
	SectionSupportContacts    Section = "supportContacts"
	SectionProfessionalHelp   Section = "professionalHelp"
	SectionEnvironmentSafety  Section = "environmentSafety"
	SectionReasonsForLiving   Section = "reasonsForLiving"
)

// SectionCount is the size of the fixed taxonomy.
const SectionCount = 7

// CanonicalOrder returns the seven sections in their default plan order.
func CanonicalOrder() []Section {
	return []Section{
		SectionWarningSigns,
		SectionCopingStrategies,
		SectionSocialDistractions,
		SectionSupportContacts,
		SectionProfessionalHelp,
		SectionEnvironmentSafety,
		SectionReasonsForLiving,
	}
}

// Names returns the canonical section identifiers as strings, for prompt
// composition.
func Names() []string {
	order := CanonicalOrder()
	out := make([]string, len(order))
	for i, s := range order {
		out[i] = string(s)
	}
	return out
}

// ParseSection maps one line of model output onto a section. List markup
// is stripped and the comparison ignores case, spaces, hyphens, and
// underscores, so "3. Warning Signs" still resolves. Anything else
// fails.
func ParseSection(line string) (Section, bool) {
	key := sectionKey(line)
	if key == "" {
		return "", false
	}
	for _, s := range CanonicalOrder() {
		if key == sectionKey(string(s)) {
			return s, true
		}
	}
	return "", false
}

// ParsePermutation reads model output as one section name per line and
// accepts it only as a complete permutation of all seven sections.
// Lines that resolve to no section are skipped; a duplicate or missing
// section rejects the whole output.
func ParsePermutation(text string) ([]Section, bool) {
	seen := make(map[Section]bool, SectionCount)
	order := make([]Section, 0, SectionCount)
	for _, line := range strings.Split(text, "\n") {
		s, ok := ParseSection(line)
		if !ok {
			continue
		}
		if seen[s] {
			return nil, false
		}
		seen[s] = true
		order = append(order, s)
	}
	if len(order) != SectionCount {
		return nil, false
	}
	return order, true
}

// sectionKey folds a line into a comparison key: leading list markup
// stripped, then lowercase letters only. Section names contain no
// digits, so numbering can be dropped wholesale.
func sectionKey(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-*•0123456789.() ")
	var b strings.Builder
	for _, r := range strings.ToLower(line) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
