package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

var ErrTimeout = errors.New("command timed out")

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, since grandchildren can keep them open.
const waitDelay = 2 * time.Second

type Command struct {
	Args         []string
	Env          map[string]string
	Cwd          string
	Timeout      time.Duration
	Stdin        string
	AllowNonZero bool
	CombinedPath string
}

type Result struct {
	ExitCode   int
	Output     string
	Stdout     string
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
}

// OK reports a zero exit that did not time out.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type GenericRunner struct{}

func NewGenericRunner() *GenericRunner {
	return &GenericRunner{}
}

// Run executes cmd and captures stdout separately as well as interleaved
// with stderr. A missing binary or a failed start is an error; a non-zero
// exit is an error only when AllowNonZero is false. A timeout yields
// ErrTimeout together with whatever output was captured.
func (r *GenericRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("command args required")
	}

	start := time.Now()
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	execCmd.WaitDelay = waitDelay
	if cmd.Cwd != "" {
		execCmd.Dir = cmd.Cwd
	}
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), envSlice(cmd.Env)...)
	}
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, combined bytes.Buffer
	var outW io.Writer = io.MultiWriter(&stdout, &combined)
	var errW io.Writer = &combined

	if cmd.CombinedPath != "" {
		combinedFile, err := os.Create(cmd.CombinedPath)
		if err != nil {
			return Result{}, err
		}
		defer combinedFile.Close()
		outW = io.MultiWriter(outW, combinedFile)
		errW = io.MultiWriter(errW, combinedFile)
	}

	execCmd.Stdout = outW
	execCmd.Stderr = errW

	err := execCmd.Run()
	finished := time.Now()
	res := Result{
		ExitCode:   exitCode(err),
		Output:     combined.String(),
		Stdout:     stdout.String(),
		StartedAt:  start,
		FinishedAt: finished,
		DurationMs: finished.Sub(start).Milliseconds(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, strings.Join(cmd.Args, " "))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("start %s: %w", cmd.Args[0], err)
		}
		if !cmd.AllowNonZero {
			return res, fmt.Errorf("command failed: %w: %s", err, tail(res.Output, 500))
		}
	}
	return res, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
