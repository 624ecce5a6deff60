// Package storage defines the persistence contract for the task engine and
// ships an in-memory reference implementation for testing and local
// development. Database-backed implementations plug in behind the same
// interface.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/core/task"
)

var (
	// ErrNotFound is returned when the task id is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateID is returned when persisting a task whose id already exists.
	ErrDuplicateID = errors.New("task id already exists")

	// ErrDuplicateTaskKey is returned when persisting a task whose key is
	// held by an existing non-terminal task.
	ErrDuplicateTaskKey = errors.New("non-terminal task with the same key already exists")

	// ErrTerminalStatus is returned by status transitions on a task that
	// already reached a terminal status. Terminal statuses are final.
	ErrTerminalStatus = errors.New("task already reached a terminal status")
)

// Cursor is a stable position in the (CreatedAt, ID) recovery ordering.
// Cursor paging stays correct under concurrent inserts, unlike offsets.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Page is one page of recovery-eligible tasks.
type Page struct {
	Tasks   []*task.Task
	Next    Cursor
	HasMore bool
}

// Storage persists tasks, their audit rows, and execution logs.
// Implementations must be safe under concurrent callers and must not
// reorder StatusAudit rows for the same task. Audit-level gating is the
// storage's responsibility: callers request transitions, storage decides
// which rows to write based on the task's AuditLevel.
type Storage interface {
	// Persist inserts a new task. It fails with ErrDuplicateTaskKey when a
	// non-terminal task with the same non-empty key exists.
	Persist(ctx context.Context, t *task.Task) error

	// Get returns the task by id.
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)

	// GetAll returns every stored task in creation order.
	GetAll(ctx context.Context) ([]*task.Task, error)

	// Find returns tasks matching the predicate, in creation order.
	Find(ctx context.Context, match func(*task.Task) bool) ([]*task.Task, error)

	// GetByKey returns the most recent task with the given key, or
	// ErrNotFound.
	GetByKey(ctx context.Context, key string) (*task.Task, error)

	// SetStatus transitions the task and appends a StatusAudit row when the
	// task's audit level covers the new status. Terminal transitions also
	// stamp LastExecutedAt and the Error field. Once a task is terminal,
	// further transitions fail with ErrTerminalStatus.
	SetStatus(ctx context.Context, id uuid.UUID, status task.Status, errMsg *string) error

	// Status-specific helpers with SetStatus semantics.
	SetQueued(ctx context.Context, id uuid.UUID) error
	SetInProgress(ctx context.Context, id uuid.UUID) error
	SetCompleted(ctx context.Context, id uuid.UUID) error
	SetCancelledByUser(ctx context.Context, id uuid.UUID, msg *string) error
	SetCancelledByService(ctx context.Context, id uuid.UUID, msg *string) error

	// UpdateRun records one finished execution attempt: increments the run
	// counter, stamps LastExecutedAt, optionally updates NextRunAt, and
	// appends a RunAudit row when the audit level covers the outcome.
	UpdateRun(ctx context.Context, id uuid.UUID, status task.Status, duration time.Duration, errMsg *string, nextRun *time.Time) error

	// UpdateScheduledAt moves a pre-execution task to a new due time.
	UpdateScheduledAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// FetchPending returns one page of recovery-eligible tasks strictly
	// after the cursor, in (CreatedAt, ID) ascending order. A nil cursor
	// starts from the beginning.
	FetchPending(ctx context.Context, after *Cursor, limit int) (*Page, error)

	// Remove deletes the task and all rows owned by it.
	Remove(ctx context.Context, id uuid.UUID) error

	// AppendLogs appends execution log entries, assigning each a sequence
	// number strictly greater than any previously stored for the task.
	AppendLogs(ctx context.Context, id uuid.UUID, entries []task.ExecutionLogEntry) error

	// Logs returns up to limit entries with sequence numbers strictly
	// greater than afterSeq, in sequence order. limit <= 0 means no limit.
	Logs(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]task.ExecutionLogEntry, error)

	// RecordSkippedOccurrences records recurring occurrences that fell into
	// downtime and were not replayed.
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error

	// StatusAudits returns the task's status transitions, oldest first.
	StatusAudits(ctx context.Context, id uuid.UUID) ([]task.StatusAudit, error)

	// RunAudits returns the task's execution attempts, oldest first.
	RunAudits(ctx context.Context, id uuid.UUID) ([]task.RunAudit, error)
}
