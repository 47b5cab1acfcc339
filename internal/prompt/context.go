package prompt

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"autopatch/internal/config"
	"autopatch/internal/tasks"
)

const truncatedMarker = "\n...<truncated>..."

// Assembler gathers the file context a task needs. It only reads.
type Assembler struct {
	Root       string
	RuntimeDir string
	Rules      config.ContextRules
}

func NewAssembler(root, runtimeDir string, rules config.ContextRules) *Assembler {
	return &Assembler{Root: root, RuntimeDir: runtimeDir, Rules: rules}
}

// IsUITask reports whether a task id takes the UI context rules.
func (a *Assembler) IsUITask(id string) bool {
	return hasAnyPrefix(id, a.Rules.UIPrefixes) || slices.Contains(a.Rules.UITaskIDs, id)
}

func (a *Assembler) IsAPITask(id string) bool {
	return hasAnyPrefix(id, a.Rules.APIPrefixes)
}

// Context renders the snapshots for task, each path at most once.
func (a *Assembler) Context(task tasks.Task) string {
	seen := map[string]bool{}
	var chunks []string
	add := func(rel string, budget int) {
		rel = filepath.ToSlash(filepath.Clean(rel))
		if seen[rel] {
			return
		}
		seen[rel] = true
		chunks = append(chunks, a.Snapshot(rel, budget))
	}

	for _, rel := range task.RequiredFiles {
		add(rel, a.Rules.RequiredBudget)
	}

	if a.Rules.SharedGlob != "" {
		matches, _ := filepath.Glob(filepath.Join(a.Root, filepath.FromSlash(a.Rules.SharedGlob)))
		sort.Strings(matches)
		for _, match := range matches {
			if rel, err := filepath.Rel(a.Root, match); err == nil {
				add(rel, a.Rules.SharedBudget)
			}
		}
	}

	if a.IsUITask(task.ID) {
		for _, f := range a.Rules.UIFiles {
			add(f.Path, f.Budget)
		}
		if ds := a.Rules.DesignSystem; ds.Path != "" && a.exists(ds.Path) {
			add(ds.Path, ds.Budget)
		}
		for _, ref := range a.Rules.StyleReferences {
			if a.exists(ref.Path) && !slices.Contains(task.RequiredFiles, ref.Path) {
				add(ref.Path, ref.Budget)
				break
			}
		}
	}

	if a.IsAPITask(task.ID) {
		for _, f := range a.Rules.APIFiles {
			add(f.Path, f.Budget)
		}
	}

	for _, f := range a.Rules.AlwaysFiles {
		add(f.Path, f.Budget)
	}

	if len(chunks) == 0 {
		return "No existing files found."
	}
	return strings.Join(chunks, "\n\n")
}

// Snapshot renders one file. The budget counts characters, not bytes.
func (a *Assembler) Snapshot(rel string, budget int) string {
	data, err := os.ReadFile(filepath.Join(a.Root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Sprintf("FILE: %s - DOES NOT EXIST (needs to be created)", rel)
	}
	text := string(data)
	if runes := []rune(text); budget > 0 && len(runes) > budget {
		text = string(runes[:budget]) + truncatedMarker
	}
	return fmt.Sprintf("FILE: %s\n%s", rel, text)
}

// ListFiles returns every file under Root, sorted, one per line, skipping
// configured directories and the runtime directory.
func (a *Assembler) ListFiles() string {
	skip := map[string]bool{}
	for _, dir := range a.Rules.SkipDirs {
		skip[dir] = true
	}
	runtimeRel := ""
	if a.RuntimeDir != "" {
		if rel, err := filepath.Rel(a.Root, a.RuntimeDir); err == nil && !strings.HasPrefix(rel, "..") {
			runtimeRel = filepath.ToSlash(rel)
		}
	}

	var files []string
	_ = filepath.WalkDir(a.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(a.Root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skip[d.Name()] || rel == runtimeRel {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(files)
	return strings.Join(files, "\n")
}

func (a *Assembler) exists(rel string) bool {
	info, err := os.Stat(filepath.Join(a.Root, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
