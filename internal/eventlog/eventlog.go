package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autopatch/internal/core"
)

// MaxDetail caps the detail field of a single event.
const MaxDetail = 4000

type EventLog struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func New(path string) (*EventLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &EventLog{file: file, now: time.Now}, nil
}

func (l *EventLog) Emit(event core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if runes := []rune(event.Detail); len(runes) > MaxDetail {
		event.Detail = string(runes[:MaxDetail])
	}

	payload := struct {
		TS string `json:"ts"`
		core.Event
	}{
		TS:    l.now().UTC().Format(time.RFC3339Nano),
		Event: event,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}

	return nil
}

func (l *EventLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// BestEffort forwards events to an underlying logger and drops write
// failures. Audit logging must never abort a cycle.
type BestEffort struct {
	Logger core.EventLogger
}

func (b BestEffort) Emit(event core.Event) error {
	if b.Logger == nil {
		return nil
	}
	if err := b.Logger.Emit(event); err != nil {
		slog.Debug("event log write failed", "event", event.Event, "error", err)
	}
	return nil
}

// Discard is an EventLogger that writes nowhere.
type Discard struct{}

func (Discard) Emit(core.Event) error { return nil }
