package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/value"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"10m", 10 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "10", "m", "10 m", "ten-minutes", "-5s"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestDurationFromValue(t *testing.T) {
	got, err := DurationFromValue(value.Number(60000))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got)

	got, err = DurationFromValue(value.String("10m"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, got)

	_, err = DurationFromValue(value.Bool(true))
	assert.Error(t, err)

	_, err = DurationFromValue(value.Number(-1))
	assert.Error(t, err)
}

func TestFormatDurationRoundTrips(t *testing.T) {
	for _, d := range []time.Duration{
		250 * time.Millisecond,
		30 * time.Second,
		90 * time.Second,
		10 * time.Minute,
		2 * time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
	} {
		back, err := ParseDuration(FormatDuration(d))
		require.NoError(t, err, "duration %v", d)
		assert.Equal(t, d, back)
	}
}
