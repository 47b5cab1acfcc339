package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)
	combined := filepath.Join(t.TempDir(), "combined.log")

	res, err := NewGenericRunner().Run(context.Background(), Command{
		Args:         []string{"sh", "-c", "echo out; echo err >&2"},
		CombinedPath: combined,
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "out\n", res.Stdout)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")

	data, err := os.ReadFile(combined)
	require.NoError(t, err)
	assert.Contains(t, string(data), "err")
}

func TestRunFeedsStdinAndEnv(t *testing.T) {
	requireShell(t)
	res, err := NewGenericRunner().Run(context.Background(), Command{
		Args:  []string{"sh", "-c", "cat; printf %s \"$GREETING\""},
		Stdin: "patch body\n",
		Env:   map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "patch body\nhello", res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	r := NewGenericRunner()

	res, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "exit 3"}, AllowNonZero: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.OK())

	_, err = r.Run(context.Background(), Command{Args: []string{"sh", "-c", "exit 3"}})
	assert.Error(t, err)
}

func TestRunTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	res, err := NewGenericRunner().Run(context.Background(), Command{
		Args:         []string{"sleep", "5"},
		Timeout:      100 * time.Millisecond,
		AllowNonZero: true,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.TimedOut)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := NewGenericRunner().Run(context.Background(), Command{
		Args:         []string{"autopatch-definitely-not-a-binary"},
		AllowNonZero: true,
	})
	assert.Error(t, err)

	_, err = NewGenericRunner().Run(context.Background(), Command{})
	assert.Error(t, err)
}
