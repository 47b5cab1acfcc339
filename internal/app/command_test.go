package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopatch/internal/core"
	"autopatch/internal/store"
)

func quietCommand(root string) Command {
	return Command{Root: root, Logger: NewLogger(io.Discard, "error")}
}

func TestStatusOnEmptyTree(t *testing.T) {
	root := t.TempDir()

	var out bytes.Buffer
	require.NoError(t, quietCommand(root).Status(context.Background(), &out))

	assert.Contains(t, out.String(), "PROJECT COMPLETION: 0/1 features (0%)")
	assert.Contains(t, out.String(), "[INCOMPLETE] Build project from work order")
	assert.Contains(t, out.String(), "cycles run: 0")
	assert.NotContains(t, out.String(), "recent cycles:")
}

func TestRunReportsDoneAndStatusReflectsIt(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "done_criteria.json"), []byte(`{
		// single task, already satisfied
		"feature_tasks": [
			{"id": "home", "name": "Home page", "required_files": ["index.html"], "check_patterns": ["<main>"]}
		]
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<main>hi</main>\n"), 0o644))

	c := quietCommand(root)
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDone, result.Outcome)
	assert.Equal(t, 2, result.Outcome.ExitCode())

	assert.FileExists(t, filepath.Join(root, ".autopatch", "autopatch.db"))
	assert.FileExists(t, filepath.Join(root, "CHANGELOG.md"))

	var out bytes.Buffer
	require.NoError(t, c.Status(context.Background(), &out))
	assert.Contains(t, out.String(), "PROJECT COMPLETION: 1/1 features (100%)")
	assert.Contains(t, out.String(), "cycles run: 1")
	assert.Contains(t, out.String(), "completed: home")
}

func TestLoadConfigFallsBackOnBadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".autopatch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".autopatch", DefaultConfigName), []byte("max_attempts: [oops"), 0o644))

	cfg := quietCommand(root).LoadConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, filepath.Join(root, "done_criteria.json"), cfg.TasksPath)
}

func TestLoadConfigReadsRuntimeDefault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".autopatch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".autopatch", DefaultConfigName), []byte("max_attempts: 5\n"), 0o644))

	assert.Equal(t, 5, quietCommand(root).LoadConfig().MaxAttempts)
}

func writeJunkDatabase(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, ".autopatch", "autopatch.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite, just some bytes on disk"), 0o644))
	return path
}

func TestRunRecoversFromCorruptDatabase(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	dbPath := writeJunkDatabase(t, root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "done_criteria.json"),
		[]byte(`{"feature_tasks": [{"id": "home", "name": "Home", "required_files": ["index.html"]}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<main></main>\n"), 0o644))

	c := quietCommand(root)
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDone, result.Outcome)

	aside, err := filepath.Glob(dbPath + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	junk, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Contains(t, string(junk), "not sqlite")

	var out bytes.Buffer
	require.NoError(t, c.Status(context.Background(), &out))
	assert.Contains(t, out.String(), "cycles run: 1")
}

func TestStatusRecoversFromCorruptDatabase(t *testing.T) {
	root := t.TempDir()
	writeJunkDatabase(t, root)

	var out bytes.Buffer
	require.NoError(t, quietCommand(root).Status(context.Background(), &out))
	assert.Contains(t, out.String(), "cycles run: 0")
}

func TestStatusListsAttemptsOfFailedCycle(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	db, err := store.NewSQLite(filepath.Join(root, ".autopatch", "autopatch.db"))
	require.NoError(t, err)
	require.NoError(t, db.Init(ctx))

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.BeginCycle(ctx, core.CycleRecord{
		CycleID: "c-1", Project: "demo", CycleNo: 1, TaskID: "build-project", TaskName: "Build project from work order",
		Provider: "openai", Model: "gpt-5.2", StartedAt: started,
	}))
	require.NoError(t, db.RecordAttempt(ctx, core.AttemptRecord{
		CycleID: "c-1", AttemptNo: 1, Status: core.AttemptStatusModelError, Error: "rate limited\nretry later", CreatedAt: started,
	}))
	require.NoError(t, db.RecordAttempt(ctx, core.AttemptRecord{
		CycleID: "c-1", AttemptNo: 2, Status: core.AttemptStatusInvalidDiff, Error: "no diff header found",
		RawPath: "/tmp/demo_patch_raw.txt", CreatedAt: started,
	}))
	require.NoError(t, db.FinishCycle(ctx, core.CycleRecord{
		CycleID: "c-1", TaskID: "build-project", Provider: "openai", Model: "gpt-5.2",
		Outcome: core.OutcomeFailed, Detail: "diff: no diff header found", FinishedAt: started.Add(time.Minute),
	}))
	require.NoError(t, db.Close())

	var out bytes.Buffer
	require.NoError(t, quietCommand(root).Status(ctx, &out))
	text := out.String()
	assert.Contains(t, text, "recent cycles:")
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "attempts in cycle #1:")
	assert.Contains(t, text, "  1 model_error rate limited\n")
	assert.Contains(t, text, "  2 invalid_diff no diff header found (raw: /tmp/demo_patch_raw.txt)")
}
