// Package prompt assembles the instructions sent to a model backend for
// the focus task.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"autopatch/internal/tasks"
)

// RetrySuffix is appended to the prompt of every attempt after the first.
const RetrySuffix = "\n\nPREVIOUS ATTEMPT FAILED. Output ONLY valid unified diff.\n"

type Input struct {
	Task        tasks.PendingTask
	Provider    string
	Summary     string
	WorkOrder   string
	QualityGate string
}

type Prompt struct {
	Role   Role
	System string
	Text   string
}

// ForAttempt returns the prompt text for a zero-based attempt number.
func (p Prompt) ForAttempt(attempt int) string {
	if attempt > 0 {
		return p.Text + RetrySuffix
	}
	return p.Text
}

type view struct {
	Name            string
	Description     string
	MissingFiles    []string
	MissingPatterns []string
	Rules           string
	Summary         string
	Files           string
	Context         string
	WorkOrder       string
	QualityGate     string
}

var instructions = template.Must(template.New("instructions").Parse(
	`You are an expert engineer building a production-grade application.

CURRENT TASK: {{.Name}}
{{.Description}}
{{if .MissingFiles}}
Files to CREATE (use new file mode in diff):
{{range .MissingFiles}}  - {{.}}
{{end}}{{end}}{{if .MissingPatterns}}
Missing functionality:
{{range .MissingPatterns}}  - {{.}}
{{end}}{{end}}
{{.Rules}}

COMPLETION STATUS:
{{.Summary}}

EXISTING FILES:
{{.Files}}

RELEVANT FILE CONTENTS:
{{.Context}}

WORK ORDER:
{{.WorkOrder}}

INSTRUCTIONS:
- Build the COMPLETE feature. No placeholders, no TODOs.
- Output a unified diff spanning MULTIPLE files if needed.
- For NEW files: diff --git a/path b/path + new file mode 100644 + --- /dev/null + +++ b/path
- For EXISTING files: match exact current content for context lines.
- Write production-quality code with proper error handling.
- Follow existing code style and patterns.
- Do NOT modify CHANGELOG.md.

{{.QualityGate}}

Output ONLY the unified diff. No markdown. No commentary.
First line MUST be: diff --git a/... b/...`))

// Build renders the instructions for in. Missing-pattern lines are capped
// by the assembler's MissingPatternLimit and the work order by its
// WorkOrderBudget.
func (a *Assembler) Build(in Input) (Prompt, error) {
	role := RoleFor(in.Provider)

	misses := in.Task.MissingPatterns
	if limit := a.Rules.MissingPatternLimit; limit >= 0 && len(misses) > limit {
		misses = misses[:limit]
	}
	patterns := make([]string, 0, len(misses))
	for _, m := range misses {
		patterns = append(patterns, m.String())
	}

	files := a.ListFiles()
	if files == "" {
		files = "none"
	}

	v := view{
		Name:            in.Task.Name,
		Description:     in.Task.Description,
		MissingFiles:    in.Task.MissingFiles,
		MissingPatterns: patterns,
		Rules:           role.Rules,
		Summary:         in.Summary,
		Files:           files,
		Context:         a.Context(in.Task.Task),
		WorkOrder:       truncateRunes(in.WorkOrder, a.Rules.WorkOrderBudget),
		QualityGate:     in.QualityGate,
	}

	var b strings.Builder
	if err := instructions.Execute(&b, v); err != nil {
		return Prompt{}, fmt.Errorf("render prompt: %w", err)
	}
	return Prompt{Role: role, System: role.System, Text: strings.TrimSpace(b.String())}, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
