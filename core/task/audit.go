package task

import (
	"time"

	"github.com/google/uuid"
)

// StatusAudit is an append-only record of one status transition.
// Rows for a task are ordered by transition time, oldest first.
type StatusAudit struct {
	TaskID    uuid.UUID `json:"task_id"`
	NewStatus Status    `json:"new_status"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     *string   `json:"error,omitempty"`
}

// RunAudit is an append-only record of one execution attempt.
type RunAudit struct {
	TaskID     uuid.UUID     `json:"task_id"`
	Status     Status        `json:"status"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
	Error      *string       `json:"error,omitempty"`
}

// ExecutionLogEntry is one log line captured during a task execution.
// Sequence is strictly increasing per task, starting at 0; storage assigns it.
type ExecutionLogEntry struct {
	TaskID   uuid.UUID `json:"task_id"`
	At       time.Time `json:"at"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`
	Sequence int64     `json:"sequence"`
}
