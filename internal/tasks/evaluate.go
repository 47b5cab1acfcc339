package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"autopatch/internal/progress"
)

type PatternMiss struct {
	File    string
	Pattern string
}

func (m PatternMiss) String() string {
	return fmt.Sprintf("%s: missing '%s'", m.File, m.Pattern)
}

type Evaluation struct {
	Complete        bool
	MissingFiles    []string
	MissingPatterns []PatternMiss
}

// PendingTask is an incomplete task together with what it still lacks.
type PendingTask struct {
	Task
	Evaluation
	FailCount int
}

// Evaluator judges task completion by reading the working tree. It never
// writes.
type Evaluator struct {
	Root string
}

func NewEvaluator(root string) *Evaluator {
	return &Evaluator{Root: root}
}

// Evaluate checks every pattern against every existing required file. A
// task without required files is never complete.
func (e *Evaluator) Evaluate(task Task) Evaluation {
	result := Evaluation{
		MissingFiles:    []string{},
		MissingPatterns: []PatternMiss{},
	}
	for _, rel := range task.RequiredFiles {
		data, err := os.ReadFile(filepath.Join(e.Root, rel))
		if err != nil {
			if _, statErr := os.Stat(filepath.Join(e.Root, rel)); statErr != nil {
				result.MissingFiles = append(result.MissingFiles, rel)
				continue
			}
		}
		text := string(data)
		for _, pattern := range task.CheckPatterns {
			if !strings.Contains(text, pattern) {
				result.MissingPatterns = append(result.MissingPatterns, PatternMiss{File: rel, Pattern: pattern})
			}
		}
	}
	result.Complete = len(task.RequiredFiles) > 0 &&
		len(result.MissingFiles) == 0 &&
		len(result.MissingPatterns) == 0
	return result
}

// Pending returns incomplete tasks, fewest failures first. Ties keep catalog
// order.
func (e *Evaluator) Pending(catalog Catalog, record progress.Record) []PendingTask {
	var pending []PendingTask
	for _, task := range catalog {
		result := e.Evaluate(task)
		if result.Complete {
			continue
		}
		pending = append(pending, PendingTask{
			Task:       task,
			Evaluation: result,
			FailCount:  record.Failures(task.ID),
		})
	}
	slices.SortStableFunc(pending, func(a, b PendingTask) int {
		return a.FailCount - b.FailCount
	})
	return pending
}

// Reconcile marks every task observed complete in the record, which also
// drops its failure count. It returns the ids newly marked.
func (e *Evaluator) Reconcile(catalog Catalog, record *progress.Record) []string {
	var marked []string
	for _, task := range catalog {
		if !e.Evaluate(task).Complete {
			continue
		}
		if !record.IsCompleted(task.ID) {
			marked = append(marked, task.ID)
		}
		record.MarkComplete(task.ID)
	}
	return marked
}

// Summary renders the completion report included in prompts and printed
// after each commit.
func (e *Evaluator) Summary(catalog Catalog) string {
	var (
		lines []string
		done  int
	)
	for _, task := range catalog {
		result := e.Evaluate(task)
		if result.Complete {
			done++
			lines = append(lines, fmt.Sprintf("  [DONE] %s", task.Name))
			continue
		}
		var parts []string
		if len(result.MissingFiles) > 0 {
			parts = append(parts, "missing: "+strings.Join(result.MissingFiles, ", "))
		}
		if len(result.MissingPatterns) > 0 {
			needs := result.MissingPatterns[:min(3, len(result.MissingPatterns))]
			texts := make([]string, 0, len(needs))
			for _, miss := range needs {
				texts = append(texts, miss.String())
			}
			parts = append(parts, "needs: "+strings.Join(texts, ", "))
		}
		line := fmt.Sprintf("  [INCOMPLETE] %s", task.Name)
		if len(parts) > 0 {
			line += " - " + strings.Join(parts, "; ")
		}
		lines = append(lines, line)
	}

	total := len(catalog)
	pct := 0
	if total > 0 {
		pct = 100 * done / total
	}
	header := fmt.Sprintf("PROJECT COMPLETION: %d/%d features (%d%%)\n", done, total, pct)
	return strings.Join(append([]string{header}, lines...), "\n")
}
