// Package agent holds the model backends that turn a prompt into raw diff
// text.
package agent

import (
	"context"
	"errors"
)

var ErrMissingCredentials = errors.New("backend credentials not configured")

// Backend produces raw model output for one prompt. Output is untrusted and
// goes through the diff pipeline before anything touches the tree.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

type Request struct {
	SchemaVersion int    `json:"schema_version"`
	CycleID       string `json:"cycle_id"`
	TaskID        string `json:"task_id"`
	RepoPath      string `json:"repo_path"`
	Model         string `json:"model"`
	System        string `json:"system"`
	Prompt        string `json:"prompt"`
	MaxTokens     int    `json:"max_tokens"`
}
