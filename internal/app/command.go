package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopatch/internal/agent"
	"autopatch/internal/build"
	"autopatch/internal/config"
	"autopatch/internal/core"
	"autopatch/internal/engine"
	"autopatch/internal/eventlog"
	"autopatch/internal/git"
	"autopatch/internal/progress"
	"autopatch/internal/runner"
	"autopatch/internal/store"
	"autopatch/internal/tasks"
)

const statusCycles = 10

// Command wires every collaborator for one working tree. Root must be
// absolute.
type Command struct {
	Root       string
	ConfigPath string
	Logger     *slog.Logger
}

// DefaultConfigName is looked up in the runtime directory when no config
// path is given.
const DefaultConfigName = "config.yaml"

// LoadConfig reads the config file, falling back to defaults on any
// problem, and anchors it at Root.
func (c Command) LoadConfig() config.Config {
	path := c.ConfigPath
	if path == "" {
		candidate := filepath.Join(config.Default().WithRoot(c.Root).RuntimeDir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(c.Root, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		c.logger().Warn("config ignored, using defaults", "path", path, "error", err)
	}
	return cfg.WithRoot(c.Root)
}

// NewLogger returns a text logger on w at the named level. Unknown levels
// mean info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func (c Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run executes a single cycle.
func (c Command) Run(ctx context.Context) (engine.Result, error) {
	cfg := c.LoadConfig()
	if c.Logger == nil {
		c.Logger = NewLogger(os.Stderr, cfg.LogLevel)
	}
	logger := c.logger().With("project", cfg.Project())

	var (
		progressBackend progress.Store
		history         engine.History = engine.NoHistory{}
	)
	db, err := openStore(ctx, cfg.Progress.DBPath, logger)
	if err != nil {
		logger.Warn("progress database unavailable, using the JSON progress file without history", "path", cfg.Progress.DBPath, "error", err)
		progressBackend = progress.NewFileStore(cfg.Progress.JSONPath)
	} else {
		defer db.Close()
		progressBackend = progressStore(cfg, db)
		history = db
	}

	var events core.EventLogger = eventlog.Discard{}
	eventPath := filepath.Join(cfg.LogDir(), cfg.Project()+"_autopatch_events.jsonl")
	if log, err := eventlog.New(eventPath); err != nil {
		logger.Warn("event log unavailable", "path", eventPath, "error", err)
	} else {
		defer log.Close()
		events = log
	}

	run := runner.NewGenericRunner()
	verifier := build.NewVerifier(cfg.Root, cfg.RuntimeDir, cfg.BuildTimeout(), run)
	verifier.LogPath = filepath.Join(cfg.LogDir(), cfg.Project()+"_build.log")

	e := &engine.Engine{
		Config:   cfg,
		Progress: progressBackend,
		History:  history,
		VCS:      git.New(cfg.Root, cfg.RuntimeDir, run),
		Verifier: verifier,
		Backends: &agent.Factory{
			OpenAIBaseURL:    cfg.Backends.OpenAIBaseURL,
			AnthropicBaseURL: cfg.Backends.AnthropicBaseURL,
			OllamaURL:        cfg.Backends.OllamaURL,
			Command:          cfg.Backends.Command,
			RemoteTimeout:    cfg.ModelTimeout(),
			OllamaTimeout:    cfg.OllamaTimeout(),
			Runner:           run,
		},
		Events: eventlog.BestEffort{Logger: events},
		Logger: logger,
	}
	return e.RunCycle(ctx)
}

func progressStore(cfg config.Config, db *store.SQLiteStore) progress.Store {
	if cfg.Progress.Backend == "json" {
		return progress.NewFileStore(cfg.Progress.JSONPath)
	}
	return db
}

// openStore opens and initializes the SQLite store. A database that exists
// but cannot be initialized is moved aside and replaced by an empty one.
func openStore(ctx context.Context, path string, logger *slog.Logger) (*store.SQLiteStore, error) {
	db, err := initStore(ctx, path)
	if err == nil {
		return db, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}
	aside := fmt.Sprintf("%s.corrupt-%s", path, git.Stamp(time.Now()))
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, fmt.Errorf("%w (move aside: %v)", err, renameErr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, statErr := os.Stat(path + suffix); statErr == nil {
			_ = os.Rename(path+suffix, aside+suffix)
		}
	}
	logger.Warn("progress database unreadable, starting a fresh one", "path", path, "moved_to", aside, "error", err)
	return initStore(ctx, path)
}

func initStore(ctx context.Context, path string) (*store.SQLiteStore, error) {
	db, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return db, nil
}

// Status writes the completion summary, the progress record and recent
// cycle history to w. The attempts of the latest cycle are listed when it
// failed.
func (c Command) Status(ctx context.Context, w io.Writer) error {
	cfg := c.LoadConfig()

	db, err := openStore(ctx, cfg.Progress.DBPath, c.logger())
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := tasks.Load(cfg.TasksPath)
	if err != nil {
		c.logger().Warn("task catalog problems", "path", cfg.TasksPath, "error", err)
	}
	summary := tasks.NewEvaluator(cfg.Root).Summary(catalog)

	record, err := progressStore(cfg, db).Load(ctx)
	if err != nil {
		c.logger().Warn("progress unreadable", "error", err)
	}
	record = record.Normalize()

	cycles, err := db.RecentCycles(ctx, statusCycles)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	var b strings.Builder
	fmt.Fprintln(&b, summary)
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "cycles run: %d\n", record.CycleCount)
	if record.LastFocus != "" {
		fmt.Fprintf(&b, "last focus: %s\n", record.LastFocus)
	}
	if len(record.CompletedTasks) > 0 {
		fmt.Fprintf(&b, "completed: %s\n", strings.Join(record.CompletedTasks, ", "))
	}
	if len(record.FailedTasks) > 0 {
		fmt.Fprintln(&b, "failures:")
		for _, task := range catalog {
			if n := record.Failures(task.ID); n > 0 {
				fmt.Fprintf(&b, "  %s: %d\n", task.ID, n)
			}
		}
	}
	if len(cycles) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "recent cycles:")
		for _, cy := range cycles {
			outcome := string(cy.Outcome)
			if outcome == "" {
				outcome = "running"
			}
			fmt.Fprintf(&b, "  #%d %s %-9s %s [%s/%s]", cy.CycleNo, cy.StartedAt.Local().Format(time.DateTime), outcome, cy.TaskID, cy.Provider, cy.Model)
			if cy.Detail != "" {
				fmt.Fprintf(&b, " %s", firstLine(cy.Detail))
			}
			fmt.Fprintln(&b)
		}

		if latest := cycles[0]; latest.Outcome == core.OutcomeFailed {
			attempts, err := db.Attempts(ctx, latest.CycleID)
			if err != nil {
				return fmt.Errorf("read attempts: %w", err)
			}
			if len(attempts) > 0 {
				fmt.Fprintln(&b)
				fmt.Fprintf(&b, "attempts in cycle #%d:\n", latest.CycleNo)
				for _, a := range attempts {
					fmt.Fprintf(&b, "  %d %s", a.AttemptNo, a.Status)
					if a.Error != "" {
						fmt.Fprintf(&b, " %s", firstLine(a.Error))
					}
					if a.RawPath != "" {
						fmt.Fprintf(&b, " (raw: %s)", a.RawPath)
					}
					fmt.Fprintln(&b)
				}
			}
		}
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
