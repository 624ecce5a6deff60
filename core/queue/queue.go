// Package queue provides named, bounded FIFO queues of ready-to-run task
// descriptors and the manager that routes tasks to them. Each queue carries
// its own capacity, full-queue policy, worker parallelism, and default
// timeout; executors bind to a queue and consume its descriptors.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/taskhive/taskhive/core/cancel"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity and
	// its policy is FullBehaviorReject (or fallback also failed).
	ErrQueueFull = errors.New("queue is full")

	// ErrTaskBlacklisted is returned when an enqueue is refused because the
	// task was cancelled between dispatch and admission.
	ErrTaskBlacklisted = errors.New("task is blacklisted")

	// ErrUnknownQueue is returned by the manager when no queue matches and
	// no default is configured.
	ErrUnknownQueue = errors.New("unknown queue")
)

// FullBehavior decides what Enqueue does when the queue is at capacity.
type FullBehavior string

const (
	// FullBehaviorWait blocks the producer until space is available.
	FullBehaviorWait FullBehavior = "wait"
	// FullBehaviorReject returns ErrQueueFull; the persisted task stays in
	// WaitingQueue.
	FullBehaviorReject FullBehavior = "reject"
	// FullBehaviorFallback re-routes to the default queue.
	FullBehaviorFallback FullBehavior = "fallback"
)

// Descriptor is the in-memory handle flowing through queues and scheduler
// shards. It is a weak reference: storage remains the source of truth and
// losing a descriptor never loses the task.
type Descriptor struct {
	Task *task.Task

	// Due overrides the task's base ScheduledAt for recurring occurrences.
	Due *time.Time
}

// Queue is a named bounded FIFO of descriptors.
type Queue struct {
	name      string
	ch        chan *Descriptor
	full      FullBehavior
	parallel  int
	timeout   time.Duration
	store     storage.Storage
	blacklist *cancel.Blacklist
	logger    *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the bounded channel size.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan *Descriptor, n)
		}
	}
}

// WithFullBehavior sets the policy applied when the queue is at capacity.
func WithFullBehavior(b FullBehavior) Option {
	return func(q *Queue) {
		switch b {
		case FullBehaviorWait, FullBehaviorReject, FullBehaviorFallback:
			q.full = b
		}
	}
}

// WithMaxParallel sets how many handler executions the queue's executor runs
// concurrently.
func WithMaxParallel(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.parallel = n
		}
	}
}

// WithDefaultTimeout sets the queue-level per-task timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a queue bound to storage (status transitions on admission) and
// the process blacklist.
func New(name string, store storage.Storage, blacklist *cancel.Blacklist, opts ...Option) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name must not be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("queue %q: storage must not be nil", name)
	}
	if blacklist == nil {
		blacklist = cancel.NewBlacklist()
	}

	q := &Queue{
		name:      name,
		ch:        make(chan *Descriptor, 1000),
		full:      FullBehaviorWait,
		parallel:  10,
		store:     store,
		blacklist: blacklist,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue admits a descriptor. Blacklisted tasks are refused and transitioned
// to Cancelled. On admission the task transitions to Queued (audit-level
// gated by storage). FullBehaviorFallback is resolved by the Manager; the
// queue itself rejects when full.
func (q *Queue) Enqueue(ctx context.Context, d *Descriptor) error {
	if d == nil || d.Task == nil {
		return fmt.Errorf("queue %q: nil descriptor", q.name)
	}

	if q.blacklist.Contains(d.Task.ID) {
		// The cancelling side usually terminalized the task already; write
		// Cancelled only when it has not, so the audit stays single-row.
		if cur, err := q.store.Get(ctx, d.Task.ID); err != nil || !cur.Status.Terminal() {
			msg := "cancelled before execution"
			if err := q.store.SetCancelledByUser(ctx, d.Task.ID, &msg); err != nil && !errors.Is(err, storage.ErrTerminalStatus) {
				q.logger.ErrorContext(ctx, "failed to cancel blacklisted task",
					slog.String("task_id", d.Task.ID.String()),
					slog.String("error", err.Error()))
			}
		}
		return ErrTaskBlacklisted
	}

	switch q.full {
	case FullBehaviorWait:
		select {
		case q.ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		select {
		case q.ch <- d:
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
		}
	}

	if err := q.store.SetQueued(ctx, d.Task.ID); err != nil {
		q.logger.ErrorContext(ctx, "failed to mark task queued",
			slog.String("task_id", d.Task.ID.String()),
			slog.String("queue", q.name),
			slog.String("error", err.Error()))
	}
	return nil
}

// Dequeue blocks until a descriptor is available or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (*Descriptor, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Capacity returns the bounded channel size.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Len returns the number of descriptors currently buffered.
func (q *Queue) Len() int { return len(q.ch) }

// MaxParallel returns the configured executor parallelism.
func (q *Queue) MaxParallel() int { return q.parallel }

// DefaultTimeout returns the queue-level per-task timeout (zero if unset).
func (q *Queue) DefaultTimeout() time.Duration { return q.timeout }

// FullBehavior returns the configured full-queue policy.
func (q *Queue) FullBehavior() FullBehavior { return q.full }
