package schemas

import (
	"errors"
	"time"
)

// -- Task Schemas --

// TaskStatus is the coarse lifecycle of an investigation task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskSkipped  TaskStatus = "skipped"
	TaskError    TaskStatus = "error"
)

// IsFinal reports whether no further updates are expected.
func (s TaskStatus) IsFinal() bool {
	return s == TaskComplete || s == TaskSkipped || s == TaskError
}

// ErrTaskNotFound is returned by stores for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord is the externally visible status of one investigation.
type TaskRecord struct {
	ID        string                 `json:"id"`
	URL       string                 `json:"url"`
	Status    TaskStatus             `json:"status"`
	State     string                 `json:"state,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// TaskPatch is a partial update. Zero fields are left unchanged and Result
// keys are merged into the existing result.
type TaskPatch struct {
	Status TaskStatus
	State  string
	Result map[string]interface{}
	Error  string
}

// Apply merges the patch into rec and bumps UpdatedAt.
func (p TaskPatch) Apply(rec *TaskRecord, now time.Time) {
	if p.Status != "" {
		rec.Status = p.Status
	}
	if p.State != "" {
		rec.State = p.State
	}
	if p.Error != "" {
		rec.Error = p.Error
	}
	if len(p.Result) > 0 {
		if rec.Result == nil {
			rec.Result = make(map[string]interface{}, len(p.Result))
		}
		for k, v := range p.Result {
			rec.Result[k] = v
		}
	}
	rec.UpdatedAt = now
}
