package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopatch/internal/agent"
	"autopatch/internal/build"
	"autopatch/internal/config"
	"autopatch/internal/core"
	"autopatch/internal/eventlog"
	"autopatch/internal/git"
	"autopatch/internal/patch"
	"autopatch/internal/progress"
	"autopatch/internal/prompt"
	"autopatch/internal/router"
	"autopatch/internal/tasks"
)

const changelogHeader = "# Changelog\n\n"

// Stages name where a cycle stopped.
const (
	StageRepo      = "repo"
	StageChangelog = "changelog"
	StageBackend   = "backend"
	StageDiff      = "diff"
	StageApply     = "apply"
	StageBuild     = "build"
	StageCommit    = "commit"
)

// CycleError is returned for every terminal failure of a cycle.
type CycleError struct {
	Task  string
	Stage string
	Err   error
}

func (e *CycleError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for '%s': %v", e.Stage, e.Task, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

type VCS interface {
	EnsureRepo(ctx context.Context) error
	Apply(ctx context.Context, patch string) error
	Revert(ctx context.Context) error
	Commit(ctx context.Context, message string) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context) build.Verdict
}

type BackendFactory interface {
	New(provider string) (agent.Backend, error)
}

// History records cycles and attempts for later inspection. It never
// influences the outcome of a cycle.
type History interface {
	BeginCycle(ctx context.Context, cycle core.CycleRecord) error
	RecordAttempt(ctx context.Context, attempt core.AttemptRecord) error
	FinishCycle(ctx context.Context, cycle core.CycleRecord) error
}

type NoHistory struct{}

func (NoHistory) BeginCycle(context.Context, core.CycleRecord) error     { return nil }
func (NoHistory) RecordAttempt(context.Context, core.AttemptRecord) error { return nil }
func (NoHistory) FinishCycle(context.Context, core.CycleRecord) error    { return nil }

type Engine struct {
	Config    config.Config
	Progress  progress.Store
	History   History
	VCS       VCS
	Verifier  Verifier
	Backends  BackendFactory
	Evaluator *tasks.Evaluator
	Assembler *prompt.Assembler
	Events    core.EventLogger
	Logger    *slog.Logger
	Now       func() time.Time
}

type Result struct {
	Outcome       core.Outcome
	CycleID       string
	CycleNo       int
	Task          tasks.Task
	Provider      string
	Model         string
	Complete      bool
	CommitMessage string
	Commit        string
	DiffPath      string
	Stats         patch.Stats
	Summary       string
}

// cycle carries the state of one RunCycle call.
type cycle struct {
	e       *Engine
	ctx     context.Context
	id      string
	started time.Time
	record  progress.Record
	focus   tasks.PendingTask
	route   router.Route
	result  Result
}

// RunCycle performs one bounded attempt to advance the project by one
// task. Exactly one outcome is returned; a failed outcome always comes
// with a *CycleError.
func (e *Engine) RunCycle(ctx context.Context) (Result, error) {
	e.defaults()
	c := &cycle{e: e, ctx: ctx, id: core.NewCycleID(), started: e.Now()}
	c.result.CycleID = c.id
	return c.run()
}

func (e *Engine) defaults() {
	if e.History == nil {
		e.History = NoHistory{}
	}
	if e.Events == nil {
		e.Events = eventlog.Discard{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Evaluator == nil {
		e.Evaluator = tasks.NewEvaluator(e.Config.Root)
	}
	if e.Assembler == nil {
		e.Assembler = prompt.NewAssembler(e.Config.Root, e.Config.RuntimeDir, e.Config.Context)
	}
}

func (c *cycle) run() (Result, error) {
	e := c.e
	cfg := e.Config

	if err := e.VCS.EnsureRepo(c.ctx); err != nil {
		return c.abort(StageRepo, err)
	}
	if err := ensureChangelog(cfg.ChangelogPath); err != nil {
		return c.abort(StageChangelog, err)
	}

	record, err := e.Progress.Load(c.ctx)
	if err != nil {
		e.Logger.Warn("progress unreadable, starting from defaults", "error", err)
	}
	c.record = record.Normalize()
	c.record.StartCycle()
	c.result.CycleNo = c.record.CycleCount

	catalog, err := tasks.Load(cfg.TasksPath)
	if err != nil {
		e.Logger.Warn("task catalog problems", "path", cfg.TasksPath, "error", err)
	}
	if marked := e.Evaluator.Reconcile(catalog, &c.record); len(marked) > 0 {
		e.Logger.Info("tasks observed complete", "tasks", marked)
	}
	summary := e.Evaluator.Summary(catalog)
	c.result.Summary = summary
	pending := e.Evaluator.Pending(catalog, c.record)

	if len(pending) == 0 {
		c.persist()
		c.emit("done", "complete", "All feature tasks complete!")
		c.result.Outcome = core.OutcomeDone
		return c.result, nil
	}

	c.focus = pending[0]
	c.record.Focus(c.focus.ID)
	c.result.Task = c.focus.Task

	table, err := router.LoadTable(cfg.RoutingPath)
	if err != nil {
		e.Logger.Warn("routing table ignored", "path", cfg.RoutingPath, "error", err)
	}
	c.route = router.New(table, router.Fallback{Provider: cfg.ProviderOverride, Model: cfg.ModelOverride}).Resolve(c.focus.ID)
	c.result.Provider, c.result.Model = c.route.Provider, c.route.Model

	c.history(func(ctx context.Context) error {
		return e.History.BeginCycle(ctx, core.CycleRecord{
			CycleID:   c.id,
			Project:   cfg.Project(),
			CycleNo:   c.record.CycleCount,
			TaskID:    c.focus.ID,
			TaskName:  c.focus.Name,
			Provider:  c.route.Provider,
			Model:     c.route.Model,
			StartedAt: c.started,
		})
	})
	c.emit("focus", "start", fmt.Sprintf("Working on: %s (cycle %d) [provider=%s, model=%s]",
		c.focus.Name, c.record.CycleCount, c.route.Provider, c.route.Model))

	backend, err := e.Backends.New(c.route.Provider)
	if err != nil {
		return c.fail(StageBackend, err, "")
	}

	p, err := e.Assembler.Build(prompt.Input{
		Task:        c.focus,
		Provider:    c.route.Provider,
		Summary:     summary,
		WorkOrder:   readOptional(cfg.WorkOrderPath),
		QualityGate: readOptional(cfg.QualityGatePath),
	})
	if err != nil {
		return c.fail(StageBackend, err, "")
	}

	prepared, err := c.attempts(backend, p)
	if err != nil {
		return c.result, err
	}
	c.result.Stats = patch.Summarize(prepared)

	stamp := git.Stamp(e.Now())
	c.result.DiffPath = filepath.Join(cfg.LogDir(), fmt.Sprintf("%s_patch_%s.diff", cfg.Project(), stamp))
	c.bestEffort("save diff", func() error { return writeFile(c.result.DiffPath, prepared.Text) })

	if err := e.VCS.Apply(c.ctx, prepared.Text); err != nil {
		c.revert()
		if c.ctx.Err() != nil {
			return c.interrupted(StageApply)
		}
		return c.fail(StageApply, err, err.Error())
	}

	verdict := e.Verifier.Verify(c.ctx)
	if c.ctx.Err() != nil {
		// A build killed by cancellation says nothing about the diff.
		c.revert()
		return c.interrupted(StageBuild)
	}
	if !verdict.Passed {
		c.revert()
		detail := verdict.Output
		if len(detail) > 1000 {
			detail = detail[:1000]
		}
		return c.fail(StageBuild, fmt.Errorf("%s; reverted", verdict.Reason), detail)
	}
	c.emit("build", "ok", verdict.Reason)

	c.bestEffort("append changelog", func() error {
		entry := fmt.Sprintf("## %s\n- %s: %s (%s)\n\n",
			e.Now().UTC().Format(time.RFC3339), c.focus.Name, filepath.Base(c.result.DiffPath), c.result.Stats)
		return appendFile(cfg.ChangelogPath, entry)
	})

	c.result.CommitMessage = git.CommitMessage(c.focus.Name, e.Now())
	commit, err := e.VCS.Commit(c.ctx, c.result.CommitMessage)
	if err != nil {
		c.revert()
		if c.ctx.Err() != nil {
			return c.interrupted(StageCommit)
		}
		return c.fail(StageCommit, err, err.Error())
	}
	c.result.Commit = commit

	if e.Evaluator.Evaluate(c.focus.Task).Complete {
		c.record.MarkComplete(c.focus.ID)
		c.result.Complete = true
	} else {
		c.record.ClearFailures(c.focus.ID)
	}
	c.persist()

	c.emit("commit", "ok", fmt.Sprintf("%s (%s)", c.result.CommitMessage, c.result.Stats))
	c.result.Outcome = core.OutcomeCommitted
	c.finishHistory(core.OutcomeCommitted, strings.TrimSpace(shortHash(commit)+" "+c.result.Stats.String()))
	return c.result, nil
}

// attempts asks the backend for a diff until one passes the pipeline or the
// attempt budget runs out. Model errors and unusable diffs both consume an
// attempt.
func (c *cycle) attempts(backend agent.Backend, p prompt.Prompt) (patch.Prepared, error) {
	e := c.e
	cfg := e.Config
	validator := patch.NewValidator(cfg.Root, filepath.Base(cfg.ChangelogPath))
	validator.ReservedDirs = reservedDirs(cfg)

	var (
		raw     string
		lastErr error
		// The latest failed attempt is held back so the raw output path
		// can be attached to it once the budget runs out.
		held *core.AttemptRecord
	)
	flush := func() {
		if held != nil {
			c.recordAttempt(*held)
			held = nil
		}
	}
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		out, err := backend.Generate(c.ctx, agent.Request{
			SchemaVersion: 1,
			CycleID:       c.id,
			TaskID:        c.focus.ID,
			RepoPath:      cfg.Root,
			Model:         c.route.Model,
			System:        p.System,
			Prompt:        p.ForAttempt(attempt),
			MaxTokens:     cfg.MaxOutputTokens,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				flush()
				_, err := c.interrupted(StageBackend)
				return patch.Prepared{}, err
			}
			lastErr = err
			flush()
			held = c.attemptRecord(attempt, core.AttemptStatusModelError, err)
			c.emit("model_call", "error", err.Error())
			continue
		}
		raw = out

		prepared, err := patch.Prepare(out, validator)
		if err != nil {
			lastErr = err
			flush()
			held = c.attemptRecord(attempt, core.AttemptStatusInvalidDiff, err)
			e.Logger.Debug("attempt produced no usable diff", "attempt", attempt+1, "error", err)
			continue
		}
		flush()
		c.recordAttempt(*c.attemptRecord(attempt, core.AttemptStatusValid, nil))
		return prepared, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	rawPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("%s_patch_raw_%s.txt", cfg.Project(), git.Stamp(e.Now())))
	if c.bestEffort("save raw output", func() error { return writeFile(rawPath, raw) }) && held != nil {
		held.RawPath = rawPath
	}
	flush()
	_, err := c.fail(StageDiff, lastErr, fmt.Sprintf("[%s] %v", c.focus.Name, lastErr))
	return patch.Prepared{}, err
}

// reservedDirs lists the tree directories no diff may reach into: git's own
// metadata and the runtime directory, when it lives inside the tree.
func reservedDirs(cfg config.Config) []string {
	dirs := []string{".git"}
	if rel, err := filepath.Rel(cfg.Root, cfg.RuntimeDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		dirs = append(dirs, filepath.ToSlash(rel))
	}
	return dirs
}

// fail records a failure for the focus task, persists progress and returns
// the failed outcome.
func (c *cycle) fail(stage string, err error, detail string) (Result, error) {
	count := c.record.RecordFailure(c.focus.ID)
	c.persist()
	if detail == "" {
		detail = err.Error()
	}
	c.emit(stage, "error", detail)
	c.e.Logger.Error("cycle failed", "stage", stage, "task", c.focus.ID, "failures", count, "error", err)
	c.finishHistory(core.OutcomeFailed, fmt.Sprintf("%s: %v", stage, err))
	c.result.Outcome = core.OutcomeFailed
	return c.result, &CycleError{Task: c.focus.Name, Stage: stage, Err: err}
}

// interrupted ends a cancelled cycle. Progress is saved without counting a
// failure against the task; callers revert any applied diff first.
func (c *cycle) interrupted(stage string) (Result, error) {
	err := c.ctx.Err()
	c.persist()
	c.emit(stage, "interrupted", err.Error())
	c.e.Logger.Warn("cycle interrupted", "stage", stage, "task", c.focus.ID)
	c.finishHistory(core.OutcomeFailed, "interrupted at "+stage)
	c.result.Outcome = core.OutcomeFailed
	return c.result, &CycleError{Task: c.focus.Name, Stage: stage, Err: err}
}

// abort stops a cycle before any task was focused.
func (c *cycle) abort(stage string, err error) (Result, error) {
	c.emit(stage, "error", err.Error())
	c.result.Outcome = core.OutcomeFailed
	return c.result, &CycleError{Stage: stage, Err: err}
}

// revert restores the tree even when the cycle's context is already
// cancelled.
func (c *cycle) revert() {
	if err := c.e.VCS.Revert(context.WithoutCancel(c.ctx)); err != nil {
		c.e.Logger.Error("revert failed, working tree may be dirty", "error", err)
		c.emit("revert", "error", err.Error())
	}
}

// persist saves the progress record. A failed save is logged and does not
// change the outcome.
func (c *cycle) persist() {
	if err := c.e.Progress.Save(context.WithoutCancel(c.ctx), c.record); err != nil {
		c.e.Logger.Error("progress not saved", "error", err)
		c.emit("progress", "error", err.Error())
	}
}

func (c *cycle) attemptRecord(attempt int, status string, err error) *core.AttemptRecord {
	rec := &core.AttemptRecord{
		CycleID:   c.id,
		AttemptNo: attempt + 1,
		Status:    status,
		CreatedAt: c.e.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (c *cycle) recordAttempt(rec core.AttemptRecord) {
	c.history(func(ctx context.Context) error { return c.e.History.RecordAttempt(ctx, rec) })
}

func (c *cycle) finishHistory(outcome core.Outcome, detail string) {
	c.history(func(ctx context.Context) error {
		return c.e.History.FinishCycle(ctx, core.CycleRecord{
			CycleID:    c.id,
			TaskID:     c.focus.ID,
			TaskName:   c.focus.Name,
			Provider:   c.route.Provider,
			Model:      c.route.Model,
			Outcome:    outcome,
			Detail:     detail,
			FinishedAt: c.e.Now(),
		})
	})
}

func (c *cycle) history(write func(ctx context.Context) error) {
	if err := write(context.WithoutCancel(c.ctx)); err != nil {
		c.e.Logger.Debug("history write failed", "cycle", c.id, "error", err)
	}
}

// bestEffort runs fn and logs its failure. It reports whether fn succeeded.
func (c *cycle) bestEffort(what string, fn func() error) bool {
	if err := fn(); err != nil {
		c.e.Logger.Warn(what+" failed", "error", err)
		return false
	}
	return true
}

func (c *cycle) emit(event, status, detail string) {
	err := c.e.Events.Emit(core.Event{
		CycleID: c.id,
		Project: c.e.Config.Project(),
		Event:   event,
		Status:  status,
		TaskID:  c.focus.ID,
		Detail:  detail,
	})
	if err != nil {
		c.e.Logger.Debug("event not recorded", "event", event, "error", err)
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func ensureChangelog(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return writeFile(path, changelogHeader)
}

func readOptional(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
