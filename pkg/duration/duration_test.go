package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"1d", Day},
		{"2w", 2 * Week},
		{"1d12h", 36 * time.Hour},
		{"1w2d", 9 * Day},
		{"3 days", 3 * Day},
		{"90 minutes", 90 * time.Minute},
		{"2 hours 15 mins", 2*time.Hour + 15*time.Minute},
		{"-1d", -Day},
		{"500ms", 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "soon", "5 parsecs"} {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{time.Hour + 10*time.Second, "1h10s"},
		{36 * time.Hour, "1d12h"},
		{8 * Day, "1w1d"},
		{1500 * time.Millisecond, "1s500ms"},
		{-5 * time.Minute, "-5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.input))
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Second, 90 * time.Minute, 3*Day + 4*time.Hour, 2*Week + time.Minute} {
		got, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}
