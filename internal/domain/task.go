package domain

import (
	"encoding/json"
	"strings"
)

type TaskKind string

const (
	TaskLoad      TaskKind = "load"
	TaskPostReply TaskKind = "postReply"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ParseTaskStatus maps the backend's status strings. The backend reports
// "processing" for a running task.
func ParseTaskStatus(s string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "processing", "in_progress":
		return TaskRunning
	case "completed", "done", "success":
		return TaskCompleted
	case "failed", "error":
		return TaskFailed
	default:
		return TaskPending
	}
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// TaskState is one observation of a backend task.
type TaskState struct {
	ID       string          `json:"task_id"`
	Kind     TaskKind        `json:"kind"`
	Status   TaskStatus      `json:"status"`
	Progress *Progress       `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Advance applies next to s. Status only moves forward (pending, running,
// terminal) and a terminal state never changes; a result is only kept on
// completion and an error only on failure.
func (s TaskState) Advance(next TaskState) (TaskState, bool) {
	if s.Status.Terminal() {
		return s, false
	}
	out := s
	if !(s.Status == TaskRunning && next.Status == TaskPending) {
		out.Status = next.Status
	}
	if next.Progress != nil {
		p := *next.Progress
		out.Progress = &p
	}
	out.Result, out.Error = nil, ""
	switch next.Status {
	case TaskCompleted:
		out.Result = next.Result
	case TaskFailed:
		out.Error = next.Error
	}
	return out, true
}
