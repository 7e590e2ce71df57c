package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritePidFileEmptyPathIsNoop(t *testing.T) {
	require.NoError(t, writePidFile("", 1234))
}

func TestWritePidFileWritesDecimalPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vnoded.pid")
	require.NoError(t, writePidFile(path, 4242))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "4242\n", string(got))
}
