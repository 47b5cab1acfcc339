// Package git drives the project working tree through the git CLI: it
// initializes the repository, applies and reverts diffs, and commits.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopatch/internal/runner"
)

const (
	authorEmail = "agent-runtime@local"
	authorName  = "Agent Runtime"
	gitTimeout  = 60 * time.Second

	snapshotMessage = "autopatch: snapshot working tree"
)

var ErrApply = errors.New("git apply failed")

type Repo struct {
	Root       string
	RuntimeDir string
	Runner     runner.Runner
}

func New(root, runtimeDir string, r runner.Runner) *Repo {
	if r == nil {
		r = runner.NewGenericRunner()
	}
	return &Repo{Root: root, RuntimeDir: runtimeDir, Runner: r}
}

func (r *Repo) git(ctx context.Context, stdin string, allowNonZero bool, args ...string) (runner.Result, error) {
	return r.Runner.Run(ctx, runner.Command{
		Args:         append([]string{"git"}, args...),
		Cwd:          r.Root,
		Timeout:      gitTimeout,
		Stdin:        stdin,
		AllowNonZero: allowNonZero,
	})
}

// EnsureRepo makes the working tree a repository with a local identity and
// commits whatever the tree currently holds, so that a later Revert only
// discards changes made after this call. The runtime directory is excluded
// so that history and logs never enter commits.
func (r *Repo) EnsureRepo(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.Root, ".git")); err != nil {
		if _, err := r.git(ctx, "", false, "init"); err != nil {
			return fmt.Errorf("git init: %w", err)
		}
	}
	if _, err := r.git(ctx, "", false, "config", "user.email", authorEmail); err != nil {
		return fmt.Errorf("git config: %w", err)
	}
	if _, err := r.git(ctx, "", false, "config", "user.name", authorName); err != nil {
		return fmt.Errorf("git config: %w", err)
	}
	if err := r.excludeRuntime(); err != nil {
		return err
	}
	if _, err := r.git(ctx, "", false, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}

	if !r.hasHead(ctx) {
		// An empty tree still gets a commit so that HEAD always resolves.
		if _, err := r.git(ctx, "", false, "-c", "commit.gpgsign=false", "commit", "--allow-empty", "-m", "init"); err != nil {
			return fmt.Errorf("git commit: %w", err)
		}
		return nil
	}
	clean, err := r.Clean(ctx)
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if clean {
		return nil
	}
	if _, err := r.git(ctx, "", false, "-c", "commit.gpgsign=false", "commit", "-m", snapshotMessage); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

func (r *Repo) hasHead(ctx context.Context) bool {
	res, err := r.git(ctx, "", true, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil && res.ExitCode == 0
}

func (r *Repo) excludeRuntime() error {
	if r.RuntimeDir == "" {
		return nil
	}
	rel, err := filepath.Rel(r.Root, r.RuntimeDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = r.RuntimeDir
	}
	if filepath.IsAbs(rel) {
		return nil
	}
	entry := "/" + filepath.ToSlash(rel) + "/"

	path := filepath.Join(r.Root, ".git", "info", "exclude")
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(current), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(current) > 0 && !strings.HasSuffix(string(current), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}

// Apply applies a unified diff with a three-way merge, falling back to a
// plain apply. Both invocations recount hunk ranges.
func (r *Repo) Apply(ctx context.Context, patch string) error {
	res, err := r.git(ctx, patch, true, "apply", "--recount", "--3way", "--whitespace=nowarn", "-")
	if err == nil && res.OK() {
		return nil
	}
	first := strings.TrimSpace(res.Output)

	res, err = r.git(ctx, patch, true, "apply", "--recount", "--whitespace=nowarn", "-")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrApply, firstNonEmpty(strings.TrimSpace(res.Output), first))
	}
	return nil
}

// Revert restores the last commit, removing untracked files the diff
// created. Ignored files, the runtime directory included, survive.
func (r *Repo) Revert(ctx context.Context) error {
	if _, err := r.git(ctx, "", false, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	if _, err := r.git(ctx, "", false, "clean", "-fd"); err != nil {
		return fmt.Errorf("git clean: %w", err)
	}
	return nil
}

// Commit stages everything, commits with signing disabled and returns the
// new HEAD.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.git(ctx, "", false, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	res, err := r.git(ctx, "", true, "-c", "commit.gpgsign=false", "commit", "-m", message)
	if err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("git commit: %s", strings.TrimSpace(res.Output))
	}
	return r.Head(ctx)
}

// Head returns the current commit hash.
func (r *Repo) Head(ctx context.Context) (string, error) {
	res, err := r.git(ctx, "", false, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Clean reports whether the tree has no staged, unstaged or untracked
// changes.
func (r *Repo) Clean(ctx context.Context) (bool, error) {
	res, err := r.git(ctx, "", false, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "", nil
}

// CommitMessage formats the message for a committed task. Colons in the
// timestamp are replaced so the string is safe in file names as well.
func CommitMessage(taskName string, at time.Time) string {
	return fmt.Sprintf("autopatch: %s (%s)", taskName, Stamp(at))
}

func Stamp(at time.Time) string {
	return strings.ReplaceAll(at.UTC().Format("2006-01-02T15:04:05"), ":", "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
