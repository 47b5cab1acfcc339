package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"autopatch/internal/runner"
)

const maxOutput = 3000

// buildEnv keeps build output plain and free of telemetry prompts.
var buildEnv = map[string]string{
	"NO_COLOR":                "1",
	"NEXT_TELEMETRY_DISABLED": "1",
}

type Kind string

const (
	KindNone   Kind = "none"
	KindNPM    Kind = "npm"
	KindPython Kind = "python"
	KindGo     Kind = "go"
)

// Profile describes what the working tree looks like to the verifier.
type Profile struct {
	Root       string
	Kind       Kind
	HasScript  bool
	PythonPath string
}

// Command is a detected build invocation.
type Command struct {
	Kind Kind
	Args []string
}

type Verdict struct {
	Passed bool
	Output string
	Reason string
}

type Verifier struct {
	Root       string
	RuntimeDir string
	Timeout    time.Duration
	LogPath    string
	Runner     runner.Runner
}

func NewVerifier(root, runtimeDir string, timeout time.Duration, r runner.Runner) *Verifier {
	if r == nil {
		r = runner.NewGenericRunner()
	}
	return &Verifier{Root: root, RuntimeDir: runtimeDir, Timeout: timeout, Runner: r}
}

func (v *Verifier) Profile() Profile {
	profile := Profile{Root: v.Root, Kind: KindNone}

	if data, err := os.ReadFile(filepath.Join(v.Root, "package.json")); err == nil {
		profile.Kind = KindNPM
		var pkg struct {
			Scripts map[string]any `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			_, profile.HasScript = pkg.Scripts["build"]
		}
		return profile
	}
	if exists(filepath.Join(v.Root, "app.py")) {
		profile.Kind = KindPython
		profile.PythonPath = v.resolvePython()
		return profile
	}
	if exists(filepath.Join(v.Root, "go.mod")) {
		profile.Kind = KindGo
	}
	return profile
}

// resolvePython prefers the runtime virtualenv, then the project's own, then
// python3 from PATH.
func (v *Verifier) resolvePython() string {
	candidates := []string{}
	if v.RuntimeDir != "" {
		candidates = append(candidates, filepath.Join(v.RuntimeDir, ".venv", "bin", "python"))
	}
	candidates = append(candidates, filepath.Join(v.Root, ".venv", "bin", "python"))
	for _, path := range candidates {
		if exists(path) {
			return path
		}
	}
	return "python3"
}

// Detect returns the build command for the tree, or nil when there is none.
// A package.json without a build script is not checked even when other
// project descriptors exist.
func (v *Verifier) Detect() *Command {
	profile := v.Profile()
	switch profile.Kind {
	case KindNPM:
		if !profile.HasScript {
			return nil
		}
		return &Command{Kind: KindNPM, Args: []string{"npm", "run", "build"}}
	case KindPython:
		return &Command{Kind: KindPython, Args: []string{profile.PythonPath, "-m", "py_compile", "app.py"}}
	case KindGo:
		return &Command{Kind: KindGo, Args: []string{"go", "build", "./..."}}
	}
	return nil
}

// Verify runs the detected build. Only a completed run with a non-zero exit
// fails; a missing command, a timeout or a start error passes with a reason.
func (v *Verifier) Verify(ctx context.Context) Verdict {
	cmd := v.Detect()
	if cmd == nil {
		return Verdict{Passed: true, Reason: "no build command detected"}
	}

	res, err := v.Runner.Run(ctx, runner.Command{
		Args:         cmd.Args,
		Env:          buildEnv,
		Cwd:          v.Root,
		Timeout:      v.Timeout,
		AllowNonZero: true,
		CombinedPath: v.logPath(),
	})
	output := truncate(res.Output, maxOutput)

	switch {
	case errors.Is(err, runner.ErrTimeout) || res.TimedOut:
		return Verdict{Passed: true, Output: output, Reason: "build timed out (non-blocking)"}
	case err != nil:
		return Verdict{Passed: true, Output: output, Reason: fmt.Sprintf("build error: %v", err)}
	case !res.OK():
		return Verdict{Passed: false, Output: output, Reason: fmt.Sprintf("build exited with code %d", res.ExitCode)}
	}
	return Verdict{Passed: true, Output: output, Reason: "build passed"}
}

// logPath returns LogPath once its directory exists. The full build output
// is written there; a directory that cannot be created disables the log.
func (v *Verifier) logPath() string {
	if v.LogPath == "" {
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(v.LogPath), 0o755); err != nil {
		slog.Debug("build log disabled", "path", v.LogPath, "error", err)
		return ""
	}
	return v.LogPath
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
