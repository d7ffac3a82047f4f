package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerReadySignal(t *testing.T) {
	cases := []struct {
		in   string
		want ServerReadySignal
	}{
		{"bind", ServerReadySignal{Kind: Bind, Occurrence: 0}},
		{"listen", ServerReadySignal{Kind: Listen, Occurrence: 0}},
		{"bind(1)", ServerReadySignal{Kind: Bind, Occurrence: 1}},
		{"listen(3)", ServerReadySignal{Kind: Listen, Occurrence: 3}},
		{"listen(10)", ServerReadySignal{Kind: Listen, Occurrence: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseServerReadySignal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseServerReadySignalRejects(t *testing.T) {
	// An explicit count of 0 is rejected: 0 is the internal "first
	// occurrence" sentinel, reachable only by omitting the count.
	for _, in := range []string{"listen(0)", "bind(0)", "listen()", "accept", "listen(-1)", "listen(01)", ""} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseServerReadySignal(in)
			require.Error(t, err)
			assert.Equal(t, InvalidValue, asConfigError(t, err).Kind)
		})
	}
}

func TestServerReadySignalString(t *testing.T) {
	assert.Equal(t, "bind", ServerReadySignal{Kind: Bind}.String())
	assert.Equal(t, "listen(3)", ServerReadySignal{Kind: Listen, Occurrence: 3}.String())
}

func TestParseChannels(t *testing.T) {
	in, err := ParseInputChannel("tcp")
	require.NoError(t, err)
	assert.Equal(t, InputTcp, in)
	assert.True(t, in.IsNetwork())

	out, err := ParseOutputChannel("stdout")
	require.NoError(t, err)
	assert.Equal(t, OutputStdout, out)

	_, err = ParseInputChannel("pipe")
	require.Error(t, err)
	_, err = ParseOutputChannel("stdin")
	require.Error(t, err)
}
