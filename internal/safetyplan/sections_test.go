package safetyplan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalOrder(t *testing.T) {
	order := CanonicalOrder()
	require.Len(t, order, SectionCount)

	seen := make(map[Section]bool, SectionCount)
	for _, s := range order {
		assert.False(t, seen[s], "duplicate section %s", s)
		seen[s] = true
	}
	assert.Len(t, Names(), SectionCount)
}

func TestParseSection(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Section
		ok   bool
	}{
		{name: "exact", line: "warningSigns", want: SectionWarningSigns, ok: true},
		{name: "spaced and cased", line: "Warning Signs", want: SectionWarningSigns, ok: true},
		{name: "numbered", line: "3. copingStrategies", want: SectionCopingStrategies, ok: true},
		{name: "bulleted", line: "- reasons for living", want: SectionReasonsForLiving, ok: true},
		{name: "starred with underscores", line: "* support_contacts", want: SectionSupportContacts, ok: true},
		{name: "padded", line: "  environmentSafety  ", want: SectionEnvironmentSafety, ok: true},
		{name: "unknown", line: "feelings", ok: false},
		{name: "trailing commentary", line: "warningSigns because of sleep", ok: false},
		{name: "blank", line: "   ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSection(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParsePermutation(t *testing.T) {
	lines := []string{
		"professionalHelp",
		"environmentSafety",
		"supportContacts",
		"warningSigns",
		"copingStrategies",
		"socialDistractions",
		"reasonsForLiving",
	}

	t.Run("complete permutation", func(t *testing.T) {
		order, ok := ParsePermutation(strings.Join(lines, "\n"))
		require.True(t, ok)
		require.Len(t, order, SectionCount)
		assert.Equal(t, SectionProfessionalHelp, order[0])
		assert.Equal(t, SectionReasonsForLiving, order[6])
	})

	t.Run("markup and chatter tolerated", func(t *testing.T) {
		text := "Here is the order:\n" +
			"1. Professional Help\n" +
			"2. environment safety\n" +
			"3. supportContacts\n" +
			"4. warning signs\n" +
			"5. copingStrategies\n" +
			"6. socialDistractions\n" +
			"7. reasonsForLiving\n" +
			"Done."
		order, ok := ParsePermutation(text)
		require.True(t, ok)
		assert.Equal(t, SectionProfessionalHelp, order[0])
		assert.Equal(t, SectionEnvironmentSafety, order[1])
	})

	t.Run("missing section rejected", func(t *testing.T) {
		_, ok := ParsePermutation(strings.Join(lines[:6], "\n"))
		assert.False(t, ok)
	})

	t.Run("duplicate section rejected", func(t *testing.T) {
		dup := append(append([]string{}, lines[:6]...), "professionalHelp")
		_, ok := ParsePermutation(strings.Join(dup, "\n"))
		assert.False(t, ok)
	})

	t.Run("chatter only rejected", func(t *testing.T) {
		_, ok := ParsePermutation("I think the current order works well.")
		assert.False(t, ok)
	})

	t.Run("empty output rejected", func(t *testing.T) {
		_, ok := ParsePermutation("")
		assert.False(t, ok)
	})
}
