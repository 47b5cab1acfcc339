package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autopatch/internal/runner"
)

// CommandAdapter runs an external program that reads the JSON request on
// stdin and writes the raw diff text to stdout.
type CommandAdapter struct {
	command []string
	timeout time.Duration
	runner  runner.Runner
}

func NewCommandAdapter(command []string, timeout time.Duration, r runner.Runner) *CommandAdapter {
	if r == nil {
		r = runner.NewGenericRunner()
	}
	return &CommandAdapter{command: command, timeout: timeout, runner: r}
}

func (a *CommandAdapter) Name() string {
	return "command"
}

func (a *CommandAdapter) Generate(ctx context.Context, req Request) (string, error) {
	if len(a.command) == 0 {
		return "", fmt.Errorf("%w: AUTOPATCH_AGENT_CMD not set", ErrMissingCredentials)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	res, err := a.runner.Run(ctx, runner.Command{
		Args:    a.command,
		Cwd:     req.RepoPath,
		Timeout: a.timeout,
		Stdin:   string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("agent command failed: %w", err)
	}
	return res.Stdout, nil
}
