package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is used when a task names no queue.
const DefaultQueueName = "default"

// RecurringQueueName is the fallback queue for recurring tasks that name no queue.
const RecurringQueueName = "recurring"

// Status tracks the lifecycle state of a task through the engine.
type Status string

const (
	StatusWaitingQueue   Status = "waiting_queue"
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusServiceStopped Status = "service_stopped"
	// StatusPending is an alias external storages may report for tasks
	// awaiting recovery. The engine never writes it.
	StatusPending Status = "pending"
)

// Terminal reports whether the status ends the task's lifecycle.
// ServiceStopped is deliberately non-terminal so recovery replays it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Recoverable reports whether a task in this status is eligible for the
// startup recovery loop.
func (s Status) Recoverable() bool {
	switch s {
	case StatusWaitingQueue, StatusQueued, StatusInProgress, StatusServiceStopped, StatusPending:
		return true
	}
	return false
}

// AuditLevel controls which audit rows are written for a task.
type AuditLevel string

const (
	AuditNone       AuditLevel = "none"
	AuditFull       AuditLevel = "full"
	AuditMinimal    AuditLevel = "minimal"
	AuditErrorsOnly AuditLevel = "errors_only"
)

// CoversStatus reports whether a StatusAudit row should be written for a
// transition to the given status.
func (l AuditLevel) CoversStatus(s Status) bool {
	switch l {
	case AuditFull:
		return true
	case AuditMinimal:
		return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusServiceStopped
	case AuditErrorsOnly:
		return s == StatusFailed
	}
	return false
}

// CoversRun reports whether a RunAudit row should be written for an
// execution attempt with the given outcome.
func (l AuditLevel) CoversRun(failed bool) bool {
	switch l {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return failed
	}
	return false
}

// Valid reports whether the level is one of the known audit levels.
func (l AuditLevel) Valid() bool {
	switch l {
	case AuditNone, AuditFull, AuditMinimal, AuditErrorsOnly:
		return true
	}
	return false
}

// Task is the persisted unit of work. Storage owns it; in-memory handles
// (queue descriptors, scheduler entries, cancellation sources) reference it
// by ID only, so losing them never loses the task.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Key            string          `json:"key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequestType    string          `json:"request_type"`
	HandlerType    string          `json:"handler_type"`
	Queue          string          `json:"queue"`
	Status         Status          `json:"status"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	Recurring      *RecurringSpec  `json:"recurring,omitempty"`
	RecurringInfo  string          `json:"recurring_info,omitempty"`
	MaxRuns        int             `json:"max_runs,omitempty"`
	RunUntil       *time.Time      `json:"run_until,omitempty"`
	CurrentRuns    int             `json:"current_runs"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	AuditLevel     AuditLevel      `json:"audit_level"`
	CreatedAt      time.Time       `json:"created_at"`
	LastExecutedAt *time.Time      `json:"last_executed_at,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

// IsRecurring reports whether the task carries a recurring schedule.
func (t *Task) IsRecurring() bool {
	return t.Recurring != nil
}

// BoundsExhausted reports whether the recurring run budget is spent.
func (t *Task) BoundsExhausted(now time.Time) bool {
	if t.MaxRuns > 0 && t.CurrentRuns >= t.MaxRuns {
		return true
	}
	if t.RunUntil != nil && now.After(*t.RunUntil) {
		return true
	}
	return false
}

// Clone returns a deep-enough copy for handing across goroutine boundaries.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Recurring != nil {
		rc := *t.Recurring
		c.Recurring = &rc
	}
	return &c
}
