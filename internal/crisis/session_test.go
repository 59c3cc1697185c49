package crisis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Remaining(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Session{StartedAt: start, Window: 600 * time.Second}

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"window just opened", start, 600 * time.Second},
		{"mid window", start.Add(180 * time.Second), 420 * time.Second},
		{"window elapsed", start.Add(600 * time.Second), 0},
		{"long past", start.Add(2 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Remaining(tt.now))
		})
	}
}

func TestSession_Deadlines(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Session{StartedAt: start, Window: 10 * time.Minute}

	assert.False(t, s.RecheckDue(start.Add(9*time.Minute)))
	assert.True(t, s.RecheckDue(start.Add(10*time.Minute)))
	assert.True(t, s.RecheckDue(start.Add(11*time.Minute)))
	assert.Equal(t, start.Add(10*time.Minute), s.RecheckAt())
	assert.Equal(t, start.Add(25*time.Minute), s.MissedAt(15*time.Minute))
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		in      string
		want    Response
		wantErr bool
	}{
		{in: "moreStable", want: ResponseMoreStable},
		{in: "more stable", want: ResponseMoreStable},
		{in: "STABLE", want: ResponseMoreStable},
		{in: "aboutTheSame", want: ResponseSame},
		{in: "same", want: ResponseSame},
		{in: "about_the_same", want: ResponseSame},
		{in: "worse", want: ResponseWorse},
		{in: " Worse ", want: ResponseWorse},
		{in: "fine", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResponse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
