// Package progress holds the session memory carried between invocations:
// which tasks are done, how often each has failed, and how many cycles ran.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Record is the only mutable state persisted across cycles.
type Record struct {
	CompletedTasks []string       `json:"completed_tasks"`
	FailedTasks    map[string]int `json:"failed_tasks"`
	CycleCount     int            `json:"cycle_count"`
	LastFocus      string         `json:"last_focus"`
}

// Store loads and saves a Record. Save must replace the stored record
// atomically.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, record Record) error
}

func New() Record {
	return Record{
		CompletedTasks: []string{},
		FailedTasks:    map[string]int{},
	}
}

// Normalize fills nil collections and drops duplicate or invalid entries.
func (r Record) Normalize() Record {
	out := New()
	out.CycleCount = max(r.CycleCount, 0)
	out.LastFocus = r.LastFocus
	for _, id := range r.CompletedTasks {
		if id != "" && !slices.Contains(out.CompletedTasks, id) {
			out.CompletedTasks = append(out.CompletedTasks, id)
		}
	}
	for id, count := range r.FailedTasks {
		if id == "" || count <= 0 || slices.Contains(out.CompletedTasks, id) {
			continue
		}
		out.FailedTasks[id] = count
	}
	return out
}

func (r *Record) StartCycle() {
	r.CycleCount++
}

func (r *Record) Focus(taskID string) {
	r.LastFocus = taskID
}

func (r Record) Failures(taskID string) int {
	return r.FailedTasks[taskID]
}

func (r Record) IsCompleted(taskID string) bool {
	return slices.Contains(r.CompletedTasks, taskID)
}

// RecordFailure increments the task's consecutive-failure count.
func (r *Record) RecordFailure(taskID string) int {
	if r.FailedTasks == nil {
		r.FailedTasks = map[string]int{}
	}
	r.FailedTasks[taskID]++
	return r.FailedTasks[taskID]
}

// ClearFailures forgets the task's failure count without marking it done.
func (r *Record) ClearFailures(taskID string) {
	delete(r.FailedTasks, taskID)
}

// MarkComplete adds the task to the completed set and clears its failures.
func (r *Record) MarkComplete(taskID string) {
	if !slices.Contains(r.CompletedTasks, taskID) {
		r.CompletedTasks = append(r.CompletedTasks, taskID)
	}
	delete(r.FailedTasks, taskID)
}

func (r Record) Clone() Record {
	out := Record{
		CompletedTasks: slices.Clone(r.CompletedTasks),
		FailedTasks:    make(map[string]int, len(r.FailedTasks)),
		CycleCount:     r.CycleCount,
		LastFocus:      r.LastFocus,
	}
	if out.CompletedTasks == nil {
		out.CompletedTasks = []string{}
	}
	for id, count := range r.FailedTasks {
		out.FailedTasks[id] = count
	}
	return out
}

// FileStore keeps the record as a two-space indented JSON object with the
// keys cycle_count, last_focus, completed_tasks and failed_tasks.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load returns an empty record when the file is absent. A corrupt file also
// yields an empty record, together with an error describing the problem.
func (s *FileStore) Load(ctx context.Context) (Record, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return New(), fmt.Errorf("read progress: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return New(), fmt.Errorf("decode progress %s: %w", s.Path, err)
	}
	return record.Normalize(), nil
}

// Save writes to a temporary sibling and renames it over the target.
func (s *FileStore) Save(ctx context.Context, record Record) error {
	data, err := json.MarshalIndent(record.Normalize(), "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create progress temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace progress: %w", err)
	}
	return nil
}
