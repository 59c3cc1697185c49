package clinical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthSignal_Derive(t *testing.T) {
	sig := HealthSignal{Current: 5.0, BaselineMean: 7.0, BaselineStd: 1.0}
	sig.Derive()
	assert.InDelta(t, -2.0, sig.ZScore, 0.001)

	// Zero baseline spread cannot produce an infinite deviation.
	sig = HealthSignal{Current: 5.0, BaselineMean: 7.0, BaselineStd: 0}
	sig.Derive()
	assert.Zero(t, sig.ZScore)
}

func TestHealthSnapshot_FirstBelow_ScanOrder(t *testing.T) {
	// Sleep is checked before hrv, hrv before activity.
	snap := HealthSnapshot{
		Sleep:    &HealthSignal{ZScore: -2.5},
		HRV:      &HealthSignal{ZScore: -3.0},
		Activity: &HealthSignal{ZScore: -3.0},
	}
	m, ok := snap.FirstBelow(-2.0)
	assert.True(t, ok)
	assert.Equal(t, MetricSleep, m)

	snap.Sleep = &HealthSignal{ZScore: -0.5}
	m, ok = snap.FirstBelow(-2.0)
	assert.True(t, ok)
	assert.Equal(t, MetricHRV, m)

	snap.HRV = nil
	m, ok = snap.FirstBelow(-2.0)
	assert.True(t, ok)
	assert.Equal(t, MetricActivity, m)
}

func TestHealthSnapshot_FirstBelow_NoDeviation(t *testing.T) {
	snap := HealthSnapshot{
		Sleep: &HealthSignal{ZScore: -1.0},
		HRV:   &HealthSignal{ZScore: 0.3},
	}
	_, ok := snap.FirstBelow(-1.5)
	assert.False(t, ok)

	// Empty snapshot never reports a deviation.
	_, ok = HealthSnapshot{}.FirstBelow(-1.5)
	assert.False(t, ok)
	assert.True(t, HealthSnapshot{}.IsEmpty())
}

func TestDeviationPolicy_Defaults(t *testing.T) {
	pol := DefaultDeviationPolicy()
	assert.InDelta(t, -1.5, pol.ModerateZ, 0.001)
	assert.InDelta(t, -2.0, pol.SevereZ, 0.001)
}

func TestScreeningResponse_Labels(t *testing.T) {
	r := ScreeningResponse{PassiveIdeation: true, RecentBehavior: true}
	labels := r.PositiveLabels()
	assert.Equal(t, []string{"Wished to be dead", "Recent preparatory behavior"}, labels)

	assert.Empty(t, ScreeningResponse{}.PositiveLabels())
	assert.False(t, ScreeningResponse{}.AnyPositive())
	assert.True(t, r.AnyPositive())
	assert.True(t, r.SevereFlag())
	assert.False(t, ScreeningResponse{PassiveIdeation: true}.SevereFlag())
}
