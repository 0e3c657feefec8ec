package convert_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireReaped checks no zombie is left behind for pid.
func requireReaped(t *testing.T, pid int) {
	t.Helper()
	require.Positive(t, pid)
	err := syscall.Kill(pid, 0)
	require.True(t, errors.Is(err, syscall.ESRCH), "process %d still exists: %v", pid, err)
}
