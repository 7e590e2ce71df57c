package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreemu/core/internal/client"
	"github.com/coreemu/core/internal/logging"
)

func TestPickVariant(t *testing.T) {
	cases := []struct {
		name string
		c    *cmdVcmd
		want client.IOVariant
	}{
		{"quiet wins", &cmdVcmd{quiet: true, interactive: true}, client.IONone},
		{"interactive flag", &cmdVcmd{interactive: true}, client.IOPTY},
		{"non-interactive flag", &cmdVcmd{nonInteractive: true}, client.IOFD},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, pickVariant(tc.c))
		})
	}
}

func TestDecodeExitStatus(t *testing.T) {
	log := logging.Discard()

	// WIFEXITED with exit code 7: low byte zero, exit code in the second
	// byte (shifted left by 8).
	require.Equal(t, 7, decodeExitStatus(7<<8, false, log, 1))

	// WIFSIGNALED (low 7 bits hold the signal, high bits zero): 255.
	require.Equal(t, 255, decodeExitStatus(15, false, log, 1))

	// Lost ack / i/o error sentinel.
	require.Equal(t, 255, decodeExitStatus(-1, false, log, 1))
}
