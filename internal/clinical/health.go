package clinical

import (
	"math"
	"time"
)

// Metric identifies a physiological or behavioral signal stream.
type Metric string

const (
	// MetricSleep is nightly sleep duration in hours.
	MetricSleep Metric = "sleep"
	// MetricHRV is heart-rate variability in milliseconds.
	MetricHRV Metric = "hrv"
	// MetricActivity is daily active minutes.
	MetricActivity Metric = "activity"
)

// HealthSignal carries one metric's current value against its rolling
// baseline. ZScore is derived, not measured; call Derive after populating
// the baseline fields when the producer did not compute it.
type HealthSignal struct {
	Current      float64 `json:"current"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	ZScore       float64 `json:"z_score"`
}

// Derive recomputes ZScore from the current value and baseline. A zero or
// non-finite standard deviation yields a zero z-score rather than an
// infinite deviation.
func (h *HealthSignal) Derive() {
	if h.BaselineStd <= 0 || math.IsNaN(h.BaselineStd) || math.IsInf(h.BaselineStd, 0) {
		h.ZScore = 0
		return
	}
	h.ZScore = (h.Current - h.BaselineMean) / h.BaselineStd
}

// HealthSnapshot is the per-check-in capture of signal state. A nil field
// means the metric was unavailable during the capture window; absence is
// rendered explicitly downstream, never treated as a healthy reading.
// The snapshot is owned by the assessment that used it.
type HealthSnapshot struct {
	Sleep      *HealthSignal `json:"sleep,omitempty"`
	HRV        *HealthSignal `json:"hrv,omitempty"`
	Activity   *HealthSignal `json:"activity,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Signal returns the snapshot entry for m, or nil when absent.
func (s HealthSnapshot) Signal(m Metric) *HealthSignal {
	switch m {
	case MetricSleep:
		return s.Sleep
	case MetricHRV:
		return s.HRV
	case MetricActivity:
		return s.Activity
	default:
		return nil
	}
}

// IsEmpty reports whether no metric was captured at all.
func (s HealthSnapshot) IsEmpty() bool {
	return s.Sleep == nil && s.HRV == nil && s.Activity == nil
}

// deviationScanOrder is the fixed metric priority used when attributing a
// deviation: sleep, then hrv, then activity.
var deviationScanOrder = []Metric{MetricSleep, MetricHRV, MetricActivity}

// DeviationPolicy carries the z-score cutoffs separating moderate from
// severe physiological deviation. The defaults are clinical heuristics,
// kept configurable rather than hard-coded.
type DeviationPolicy struct {
	// ModerateZ is the threshold below which a signal counts as a
	// moderate deviation.
	ModerateZ float64 `json:"moderate_z" koanf:"moderate_z"`
	// SevereZ is the threshold below which a signal counts as a severe
	// deviation. Must be at or below ModerateZ.
	SevereZ float64 `json:"severe_z" koanf:"severe_z"`
}

// DefaultDeviationPolicy returns the stock thresholds: moderate at −1.5,
// severe at −2.0.
func DefaultDeviationPolicy() DeviationPolicy {
	return DeviationPolicy{ModerateZ: -1.5, SevereZ: -2.0}
}

// FirstBelow returns the first metric, in the fixed sleep/hrv/activity
// order, whose z-score is strictly below the threshold. The boolean is
// false when no captured metric qualifies.
func (s HealthSnapshot) FirstBelow(threshold float64) (Metric, bool) {
	for _, m := range deviationScanOrder {
		sig := s.Signal(m)
		if sig != nil && sig.ZScore < threshold {
			return m, true
		}
	}
	return "", false
}
