package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
)

// Task is a declarative unit of work. It is complete when every required
// file exists and contains every check pattern.
type Task struct {
	ID            string   `json:"id" validate:"required"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	RequiredFiles []string `json:"required_files" validate:"dive,required"`
	CheckPatterns []string `json:"check_patterns" validate:"dive,required"`
}

type Catalog []Task

type catalogFile struct {
	FeatureTasks []Task `json:"feature_tasks"`
}

var validate = validator.New()

// Fallback is the catalog used when no usable task file exists. Its single
// task has no required files and therefore never completes on its own.
func Fallback() Catalog {
	return Catalog{{
		ID:            "build-project",
		Name:          "Build project from work order",
		Description:   "Implement the project as described in WORK_ORDER.md",
		RequiredFiles: []string{},
		CheckPatterns: []string{},
	}}
}

// Load reads the feature_tasks list from path. The returned catalog is
// always usable; the error only describes what was ignored or why the
// fallback was chosen.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fallback(), nil
		}
		return Fallback(), fmt.Errorf("read tasks: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return Fallback(), fmt.Errorf("decode tasks: %w", err)
	}

	var (
		catalog Catalog
		errs    []error
		seen    = map[string]bool{}
	)
	for i, task := range file.FeatureTasks {
		if err := validate.Struct(task); err != nil {
			errs = append(errs, fmt.Errorf("task %d (%q): %w", i, task.ID, err))
			continue
		}
		if seen[task.ID] {
			errs = append(errs, fmt.Errorf("task %d: duplicate id %q", i, task.ID))
			continue
		}
		seen[task.ID] = true
		if task.Name == "" {
			task.Name = task.ID
		}
		catalog = append(catalog, task)
	}

	if len(catalog) == 0 {
		return Fallback(), errors.Join(append(errs, errors.New("no usable feature tasks"))...)
	}
	return catalog, errors.Join(errs...)
}
