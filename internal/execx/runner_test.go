package execx

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out, err := NewExecRunner().Run(context.Background(), t.TempDir(), "sh", "-c", "echo out; echo err 1>&2")
	require.NoError(t, err)
	assert.Contains(t, out.Combined, "out")
	assert.Contains(t, out.Combined, "err")
	assert.Equal(t, 0, out.ExitCode)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out, err := NewExecRunner().Run(context.Background(), t.TempDir(), "sh", "-c", "echo nope; exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, 3, ExitCode(err))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, exitErr.Error(), "exit status 3: nope")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewExecRunner().Run(context.Background(), t.TempDir(), "definitely-not-a-real-binary-apod")
	require.Error(t, err)
	assert.Equal(t, -1, ExitCode(err))
}

func TestExecRunnerCanceled(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecRunner().Run(ctx, t.TempDir(), "sh", "-c", "sleep 5")
	require.ErrorIs(t, err, context.Canceled)
}

func TestExitCodeNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("boom")))
}
