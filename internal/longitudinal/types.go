package longitudinal

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
)

// Trajectory is the direction of change in tier between consecutive
// assessments. It is derived from the immediate tier comparison only; no
// hysteresis is applied beyond that single delta.
type Trajectory string

const (
	TrajectoryStable    Trajectory = "stable"
	TrajectoryImproving Trajectory = "improving"
	TrajectoryWorsening Trajectory = "worsening"
)

// IsValid reports whether t is a known trajectory.
func (t Trajectory) IsValid() bool {
	switch t {
	case TrajectoryStable, TrajectoryImproving, TrajectoryWorsening:
		return true
	default:
		return false
	}
}

// ParseTrajectory converts a stored string into a Trajectory.
func ParseTrajectory(s string) (Trajectory, error) {
	t := Trajectory(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown trajectory %q", s)
	}
	return t, nil
}

// Driver is the single dominant contributing signal category, chosen by
// the fixed priority cascade in Compressor.Update.
type Driver string

const (
	DriverCSSRS    Driver = "cssrs"
	DriverSleep    Driver = "sleep"
	DriverHRV      Driver = "hrv"
	DriverActivity Driver = "activity"
	DriverMood     Driver = "mood"
	DriverCombined Driver = "combined"
)

// IsValid reports whether d is a known driver.
func (d Driver) IsValid() bool {
	switch d {
	case DriverCSSRS, DriverSleep, DriverHRV, DriverActivity, DriverMood, DriverCombined:
		return true
	default:
		return false
	}
}

// ParseDriver converts a stored string into a Driver.
func ParseDriver(s string) (Driver, error) {
	d := Driver(s)
	if !d.IsValid() {
		return "", fmt.Errorf("unknown driver %q", s)
	}
	return d, nil
}

// State is the longitudinal memory for one user. One instance per user,
// created on the first check-in, mutated on every check-in, and replaced
// by a fresh instance only on explicit staleness handling or explicit user
// action. It is never reset silently.
type State struct {
	UserRef       string             `json:"user_ref"`
	Trajectory    Trajectory         `json:"trajectory"`
	PrimaryDriver Driver             `json:"primary_driver"`
	LastTier      clinical.RiskTier  `json:"last_tier"`
	CheckInCount  int                `json:"check_in_count"`

	RecentCrisisCount int `json:"recent_crisis_count"`
	// DaysSinceLastCrisis is nil until the first crisis is recorded.
	DaysSinceLastCrisis *int `json:"days_since_last_crisis,omitempty"`

	Narrative   string             `json:"narrative,omitempty"`
	Patterns    []clinical.Pattern `json:"patterns,omitempty"`
	LastUpdated time.Time          `json:"last_updated"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewState creates the fresh state for a user's first check-in, or the
// explicit replacement after staleness.
func NewState(userRef string, now time.Time) State {
	return State{
		UserRef:       userRef,
		Trajectory:    TrajectoryStable,
		PrimaryDriver: DriverCombined,
		LastTier:      clinical.TierLow,
		LastUpdated:   now,
		CreatedAt:     now,
	}
}

// Clone returns a deep copy so callers can hand states across goroutines
// without sharing the pattern slice.
func (s State) Clone() State {
	out := s
	if s.DaysSinceLastCrisis != nil {
		d := *s.DaysSinceLastCrisis
		out.DaysSinceLastCrisis = &d
	}
	if len(s.Patterns) > 0 {
		out.Patterns = append([]clinical.Pattern(nil), s.Patterns...)
	}
	return out
}

// CheckInOutcome is the per-check-in input applied to the state: the
// reconciled tier plus the inputs the driver cascade inspects.
type CheckInOutcome struct {
	Tier      clinical.RiskTier
	Screening clinical.ScreeningResponse
	Health    clinical.HealthSnapshot
	// ElapsedDays is the whole calendar days since the previous update;
	// zero on the first check-in.
	ElapsedDays int
	// At is the check-in completion time, recorded as LastUpdated.
	At time.Time
}

// RiskModifiers is the escalation advice derived from longitudinal trends,
// consumed by prompt composition and the reranker.
type RiskModifiers struct {
	Escalate bool   `json:"escalate"`
	Reason   string `json:"reason,omitempty"`
}

// ElapsedCalendarDays returns the number of whole calendar days between a
// and b using each value's own civil date, so a late-night update followed
// by an early-morning one still counts one day.
func ElapsedCalendarDays(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(db.Sub(da) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}
