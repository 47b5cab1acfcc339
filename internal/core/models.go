package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the externally observable result of one cycle.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
)

// ExitCode maps an outcome to the process exit status a wrapping scheduler
// keys off: 0 progress was committed, 2 nothing is left, 1 the cycle failed.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCommitted:
		return 0
	case OutcomeDone:
		return 2
	default:
		return 1
	}
}

const (
	AttemptStatusValid       = "valid"
	AttemptStatusModelError  = "model_error"
	AttemptStatusInvalidDiff = "invalid_diff"
)

type CycleRecord struct {
	CycleID    string
	Project    string
	CycleNo    int
	TaskID     string
	TaskName   string
	Provider   string
	Model      string
	Outcome    Outcome
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

type AttemptRecord struct {
	CycleID   string
	AttemptNo int
	Status    string
	Error     string
	RawPath   string
	CreatedAt time.Time
}

// Event is one line of the JSONL audit log.
type Event struct {
	CycleID string `json:"cycle_id,omitempty"`
	Project string `json:"project"`
	Event   string `json:"event"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type EventLogger interface {
	Emit(event Event) error
}

func NewCycleID() string {
	return fmt.Sprintf("cycle-%s", uuid.NewString())
}
