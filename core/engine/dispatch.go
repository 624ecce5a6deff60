package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/core/cancel"
	"github.com/taskhive/taskhive/core/handler"
	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
	"github.com/taskhive/taskhive/pkg/guid"
)

// DispatchOption configures one dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	queue string
	key   string
	audit task.AuditLevel
	delay time.Duration
	runAt *time.Time
	spec  *task.RecurringSpec
	err   error
}

// WithQueueName routes the task to a named queue, overriding the handler's
// default queue.
func WithQueueName(name string) DispatchOption {
	return func(o *dispatchOptions) {
		if name != "" {
			o.queue = name
		}
	}
}

// WithKey sets an idempotency key. While a non-terminal task holds the same
// key, dispatching again returns that task's id instead of persisting a
// duplicate.
func WithKey(key string) DispatchOption {
	return func(o *dispatchOptions) {
		o.key = key
	}
}

// WithAuditLevel overrides the engine's default audit level for this task.
func WithAuditLevel(l task.AuditLevel) DispatchOption {
	return func(o *dispatchOptions) {
		if l.Valid() {
			o.audit = l
		}
	}
}

// WithDelay defers execution by the given duration.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithExecuteAt defers execution to the given time.
func WithExecuteAt(at time.Time) DispatchOption {
	return func(o *dispatchOptions) {
		o.runAt = &at
	}
}

// WithRecurring attaches a recurring schedule.
func WithRecurring(spec *task.RecurringSpec) DispatchOption {
	return func(o *dispatchOptions) {
		o.spec = spec
	}
}

// WithSchedule attaches a recurring schedule from a fluent builder:
//
//	engine.WithSchedule(task.Schedule().EveryMinutes(5).MaxRuns(10))
func WithSchedule(b *task.ScheduleBuilder) DispatchOption {
	return func(o *dispatchOptions) {
		spec, err := b.Build()
		if err != nil {
			o.err = err
			return
		}
		o.spec = spec
	}
}

// Dispatch persists a task for the request and routes it: immediately to its
// queue, or to the scheduler when deferred or recurring. The request type
// must have a registered handler. Returns the task id; when a bounded queue
// rejects, the id is still valid and the task stays persisted in
// WaitingQueue.
func (e *Engine) Dispatch(ctx context.Context, req any, opts ...DispatchOption) (uuid.UUID, error) {
	if req == nil {
		return uuid.Nil, ErrNilRequest
	}

	o := &dispatchOptions{audit: e.defaultAudit}
	for _, opt := range opts {
		opt(o)
	}
	if o.err != nil {
		return uuid.Nil, o.err
	}

	modes := 0
	if o.delay > 0 {
		modes++
	}
	if o.runAt != nil {
		modes++
	}
	if o.spec != nil {
		modes++
	}
	if modes > 1 {
		return uuid.Nil, fmt.Errorf("%w: delay, execute-at, and recurring are mutually exclusive", task.ErrInvalidSchedule)
	}

	requestType := handler.TypeName(req)
	reg, ok := e.registry.Resolve(requestType)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", handler.ErrNotRegistered, requestType)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          guid.New(),
		Key:         o.key,
		Payload:     payload,
		RequestType: reg.RequestType,
		HandlerType: reg.HandlerType,
		Queue:       e.routeQueue(o, reg),
		Status:      task.StatusWaitingQueue,
		AuditLevel:  o.audit,
		CreatedAt:   now,
	}

	if o.spec != nil {
		if err := o.spec.Validate(); err != nil {
			return uuid.Nil, err
		}
		t.Recurring = o.spec
		t.RecurringInfo = o.spec.String()
		t.MaxRuns = o.spec.MaxRuns
		t.RunUntil = o.spec.RunUntil
		if !o.spec.RunNow {
			t.NextRunAt = o.spec.NextRun(now, 0)
			if t.NextRunAt == nil && o.spec.RunAt == nil {
				return uuid.Nil, fmt.Errorf("%w: schedule yields no future occurrence", task.ErrInvalidSchedule)
			}
		}
	} else if o.runAt != nil {
		at := o.runAt.UTC()
		t.ScheduledAt = &at
	} else if o.delay > 0 {
		at := now.Add(o.delay)
		t.ScheduledAt = &at
	}

	if err := e.store.Persist(ctx, t); err != nil {
		// Idempotent dispatch: a live task already holds the key, so its id
		// is the result. At most one non-terminal holder can exist.
		if o.key != "" && errors.Is(err, storage.ErrDuplicateTaskKey) {
			if existing, gerr := e.store.GetByKey(ctx, o.key); gerr == nil && !existing.Status.Terminal() {
				return existing.ID, nil
			}
		}
		return uuid.Nil, fmt.Errorf("persist task %s: %w", requestType, err)
	}

	d := &queue.Descriptor{Task: t}
	switch {
	case t.Recurring != nil && t.NextRunAt != nil:
		e.sched.Schedule(d, *t.NextRunAt)
	case t.ScheduledAt != nil && t.ScheduledAt.After(now):
		e.sched.Schedule(d, *t.ScheduledAt)
	default:
		// Immediate: RunNow schedules and past one-shot times included.
		if err := e.queues.Enqueue(ctx, d); err != nil {
			return t.ID, err
		}
	}

	e.logger.DebugContext(ctx, "task dispatched",
		slog.String("task_id", t.ID.String()),
		slog.String("request_type", t.RequestType),
		slog.String("queue", t.Queue))
	return t.ID, nil
}

// routeQueue resolves the target queue: dispatch option, then handler
// default, then the built-in queue matching the task kind.
func (e *Engine) routeQueue(o *dispatchOptions, reg *handler.Registration) string {
	if o.queue != "" {
		return o.queue
	}
	if reg.Queue != "" {
		return reg.Queue
	}
	if o.spec != nil {
		return task.RecurringQueueName
	}
	return task.DefaultQueueName
}

// Cancel cancels a task wherever it currently is: executing tasks get their
// context cancelled with a user-cancel cause; waiting tasks are removed from
// the scheduler, blacklisted against late enqueues, and marked Cancelled.
// Returns false when the task is already terminal.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}

	// Blacklist before consulting the registry. The executor registers its
	// cancel source before its final blacklist check, so whichever order the
	// two sides interleave in, one of them observes the other.
	e.blacklist.Add(id)

	if e.cancels.Cancel(id, cancel.ErrUserCancelled) {
		e.blacklist.Remove(id)
		return true, nil
	}

	// Not executing: pull it out of the scheduler and terminalize.
	e.sched.Remove(id)

	msg := "cancelled before execution"
	if err := e.store.SetCancelledByUser(ctx, id, &msg); err != nil {
		e.blacklist.Remove(id)
		if errors.Is(err, storage.ErrTerminalStatus) {
			// Lost the race against the executor's own finalization.
			return false, nil
		}
		return false, err
	}

	// The entry is only needed while a buffered descriptor can still reach
	// an executor, which is exactly the Queued status. The dequeue path
	// removes it. Anywhere else the entry would leak.
	if t.Status != task.StatusQueued {
		e.blacklist.Remove(id)
	}
	return true, nil
}

// Reschedule moves a not-yet-started one-shot task to a new execution time.
func (e *Engine) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.IsRecurring() {
		return fmt.Errorf("%w: recurring tasks follow their schedule", ErrNotReschedulable)
	}
	if t.Status != task.StatusWaitingQueue && t.Status != task.StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotReschedulable, t.Status)
	}

	e.sched.Remove(id)
	at = at.UTC()
	if err := e.store.UpdateScheduledAt(ctx, id, at); err != nil {
		return err
	}
	t.ScheduledAt = &at

	d := &queue.Descriptor{Task: t}
	if at.After(time.Now()) {
		e.sched.Schedule(d, at)
		return nil
	}
	return e.queues.Enqueue(ctx, d)
}
