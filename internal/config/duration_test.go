package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1a", 365 * 24 * time.Hour},
		{"0s", 0},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseConfigDuration(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Std())
		})
	}
}

func TestParseConfigDurationRejects(t *testing.T) {
	for _, in := range []string{"1", "5min", "", "s", "-3s", "3 s", "1.5h"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseConfigDuration(in)
			require.Error(t, err)
			assert.Equal(t, InvalidValue, asConfigError(t, err).Kind)
		})
	}
}

func TestDurationStringRoundTrip(t *testing.T) {
	for _, in := range []string{"30s", "90s", "5m", "2h", "36h", "1d", "1a"} {
		d, err := ParseConfigDuration(in)
		require.NoError(t, err)
		back, err := ParseConfigDuration(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, back, "via %q", d.String())
	}
}
