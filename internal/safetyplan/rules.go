package safetyplan

import (
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

// RuleBased orders sections from the longitudinal primary driver alone.
// It is pure and immediate, so the UI applies it without waiting on any
// model work. Detected patterns feed the model prompt, never these
// rules.
type RuleBased struct{}

// NewRuleBased creates a rule-based reranker.
func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

// Order returns all seven sections reordered for the driver.
//
// The algorithm:
//  1. Look up the sections the driver promotes.
//  2. Emit them first, in their listed priority order.
//  3. Append every remaining section in canonical order.
//
// A driver with no promotion entry, including combined, yields the
// canonical order unchanged.
func (r *RuleBased) Order(driver longitudinal.Driver) []Section {
	promoted := driverPriorities[driver]
	out := make([]Section, 0, SectionCount)
	used := make(map[Section]bool, len(promoted))
	for _, s := range promoted {
		out = append(out, s)
		used[s] = true
	}
	for _, s := range CanonicalOrder() {
		if !used[s] {
			out = append(out, s)
		}
	}
	return out
}

// driverPriorities maps each driver to the sections it promotes. An
// acute screening driver leads with restricting means and professional
// contacts; physiological drivers lead with self-directed coping;
// behavioral withdrawal leads with other people. Combined is absent on
// purpose, since the canonical order already interleaves recognition
// and action for mixed presentations.
var driverPriorities = map[longitudinal.Driver][]Section{
	longitudinal.DriverCSSRS: {
		SectionEnvironmentSafety,
		SectionProfessionalHelp,
		SectionSupportContacts,
	},
	longitudinal.DriverSleep: {
		SectionCopingStrategies,
		SectionWarningSigns,
	},
	longitudinal.DriverHRV: {
		SectionCopingStrategies,
		SectionWarningSigns,
	},
	longitudinal.DriverActivity: {
		SectionSocialDistractions,
		SectionSupportContacts,
	},
	longitudinal.DriverMood: {
		SectionReasonsForLiving,
		SectionCopingStrategies,
	},
}
