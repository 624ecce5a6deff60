// Package worker executes tasks consumed from a queue: it resolves the
// registered handler, composes the cancellation context, applies the retry
// policy, and records the outcome through storage and the event publisher.
// One Executor serves one queue with MaxParallel concurrent consumers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskhive/taskhive/core/cancel"
	"github.com/taskhive/taskhive/core/event"
	"github.com/taskhive/taskhive/core/handler"
	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/retry"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
)

// Rescheduler places a finished recurring task back onto the schedule for
// its next occurrence. Satisfied by *scheduler.Scheduler.
type Rescheduler interface {
	Schedule(d *queue.Descriptor, due time.Time)
}

// Executor consumes descriptors from one queue and runs their handlers.
type Executor struct {
	queue     *queue.Queue
	store     storage.Storage
	registry  *handler.Registry
	blacklist *cancel.Blacklist
	cancels   *cancel.Registry
	events    *event.Publisher
	sched     Rescheduler
	logger    *slog.Logger

	defaultRetry    retry.Policy
	defaultTimeout  time.Duration
	shutdownTimeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// Stats provides observability metrics for monitoring and tests.
type Stats struct {
	Active    int32 // handlers currently executing
	Processed int64 // completed tasks (successful attempts)
	Failed    int64 // terminally failed tasks
	Cancelled int64 // tasks cancelled by user, timeout, or shutdown
	IsRunning bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithBlacklist shares the process blacklist consulted before execution.
func WithBlacklist(b *cancel.Blacklist) Option {
	return func(e *Executor) {
		if b != nil {
			e.blacklist = b
		}
	}
}

// WithCancelRegistry shares the in-flight cancellation registry.
func WithCancelRegistry(r *cancel.Registry) Option {
	return func(e *Executor) {
		if r != nil {
			e.cancels = r
		}
	}
}

// WithEventPublisher wires lifecycle event emission.
func WithEventPublisher(p *event.Publisher) Option {
	return func(e *Executor) {
		e.events = p
	}
}

// WithRescheduler wires recurring tasks back into the scheduler after each run.
func WithRescheduler(s Rescheduler) Option {
	return func(e *Executor) {
		e.sched = s
	}
}

// WithDefaultRetryPolicy sets the policy used when a registration carries none.
func WithDefaultRetryPolicy(p retry.Policy) Option {
	return func(e *Executor) {
		if p != nil {
			e.defaultRetry = p
		}
	}
}

// WithDefaultTimeout sets the executor-level per-task timeout, applied when
// neither the registration nor the queue sets one. Zero means no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.shutdownTimeout = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an executor bound to a queue, storage, and handler registry.
func New(q *queue.Queue, store storage.Storage, registry *handler.Registry, opts ...Option) (*Executor, error) {
	if q == nil {
		return nil, fmt.Errorf("executor queue must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("executor storage must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("executor registry must not be nil")
	}

	e := &Executor{
		queue:           q,
		store:           store,
		registry:        registry,
		blacklist:       cancel.NewBlacklist(),
		cancels:         cancel.NewRegistry(),
		defaultRetry:    retry.None(),
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start runs MaxParallel consumer goroutines. This is a blocking operation
// that runs until the context is cancelled. Use Run() for errgroup pattern or
// call this in a goroutine.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("executor already started")
	}
	e.ctx, e.cancel = context.WithCancelCause(ctx)
	e.mu.Unlock()

	e.logger.InfoContext(e.ctx, "executor started",
		slog.String("queue", e.queue.Name()),
		slog.Int("parallelism", e.queue.MaxParallel()))

	for i := 0; i < e.queue.MaxParallel(); i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consume()
		}()
	}

	<-e.ctx.Done()
	return e.ctx.Err()
}

// Stop cancels the consumer loops with a service-stopped cause, so in-flight
// handlers finish as ServiceStopped, and waits up to the shutdown timeout.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return fmt.Errorf("executor not started")
	}
	cancelFn := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancelFn(cancel.ErrServiceStopped)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.InfoContext(context.Background(), "executor stopped cleanly",
			slog.String("queue", e.queue.Name()))
		return nil
	case <-time.After(e.shutdownTimeout):
		e.logger.WarnContext(context.Background(), "executor shutdown timeout exceeded",
			slog.String("queue", e.queue.Name()),
			slog.Duration("timeout", e.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", e.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (e *Executor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = e.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// consume is one consumer loop: dequeue, process, repeat until shutdown.
func (e *Executor) consume() {
	for {
		d, err := e.queue.Dequeue(e.ctx)
		if err != nil {
			return
		}
		e.process(d)
	}
}

// process runs the full lifecycle of one dequeued task.
func (e *Executor) process(d *queue.Descriptor) {
	if d == nil || d.Task == nil {
		return
	}
	t := d.Task

	e.active.Add(1)
	defer e.active.Add(-1)

	// Cancel requests can land while the task sits in the queue buffer.
	if e.blacklist.Contains(t.ID) {
		e.cancelBeforeExecution(t)
		return
	}

	reg, ok := e.registry.Resolve(t.RequestType)
	if !ok {
		msg := fmt.Sprintf("no handler registered for request type %q", t.RequestType)
		if err := e.store.SetStatus(context.Background(), t.ID, task.StatusFailed, &msg); err != nil {
			e.logger.ErrorContext(context.Background(), "failed to mark unroutable task failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
		e.failed.Add(1)
		e.emit(t, event.SeverityError, msg, handler.ErrNotRegistered)
		return
	}

	// Cancellation composition: shutdown (executor context, cause
	// ErrServiceStopped) + user cancel (registry source) + timeout.
	taskCtx, cancelTask := context.WithCancelCause(e.ctx)
	defer cancelTask(nil)

	e.cancels.Register(t.ID, cancelTask)
	defer e.cancels.Remove(t.ID)

	// Engine.Cancel blacklists before consulting the registry; registering
	// first and re-checking here means one of the two paths always observes
	// the other, whichever order they interleave in.
	if e.blacklist.Contains(t.ID) {
		e.cancelBeforeExecution(t)
		return
	}

	if err := e.store.SetInProgress(e.ctx, t.ID); err != nil {
		if errors.Is(err, storage.ErrTerminalStatus) {
			// Cancelled while buffered; the terminal write already happened.
			e.blacklist.Remove(t.ID)
			e.cancelled.Add(1)
			e.emit(t, event.SeverityWarning, "task cancelled before execution", nil)
			return
		}
		e.logger.ErrorContext(e.ctx, "failed to mark task in progress",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	e.emit(t, event.SeverityInfo, "task started", nil)

	runCtx := taskCtx
	var cancelTimeout context.CancelFunc
	if to := e.timeoutFor(reg); to > 0 {
		runCtx, cancelTimeout = context.WithTimeoutCause(taskCtx, to, cancel.ErrTimeout)
		defer cancelTimeout()
	}

	execLog := newExecutionLogger(e.store, t, e.logger)
	runCtx = ContextWithLogger(runCtx, execLog)

	defer e.closeSource(t, reg)

	if h, ok := reg.Source.(handler.StartedHook); ok {
		e.safeHook(t, "started", func() { h.OnStarted(runCtx, t.ID) })
	}

	policy := reg.RetryPolicy
	if policy == nil {
		policy = e.defaultRetry
	}

	started := time.Now()
	execErr := policy.Execute(runCtx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return reg.Invoke.Handle(ctx, t.Payload)
	}, func(attempt int, err error, delay time.Duration) {
		if h, ok := reg.Source.(handler.RetryHook); ok {
			e.safeHook(t, "retry", func() { h.OnRetry(runCtx, t.ID, attempt, err, delay) })
		}
		e.emit(t, event.SeverityWarning,
			fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay), err)
		execLog.Warn("attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	})
	duration := time.Since(started)

	switch {
	case execErr == nil:
		e.finishCompleted(d, reg, runCtx, duration)
	case e.isCancellation(runCtx, execErr):
		e.finishCancelled(t, runCtx, execErr, duration)
	default:
		e.finishFailed(d, reg, runCtx, execErr, duration)
	}
}

// cancelBeforeExecution finalizes a blacklisted task without running its
// handler. The storage write is skipped when the cancelling side already
// terminalized the task, so at most one Cancelled audit row is written.
func (e *Executor) cancelBeforeExecution(t *task.Task) {
	e.blacklist.Remove(t.ID)

	ctx := context.Background()
	cur, err := e.store.Get(ctx, t.ID)
	if err != nil || !cur.Status.Terminal() {
		msg := "cancelled before execution"
		if err := e.store.SetCancelledByUser(ctx, t.ID, &msg); err != nil && !errors.Is(err, storage.ErrTerminalStatus) {
			e.logger.ErrorContext(ctx, "failed to cancel blacklisted task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	e.cancelled.Add(1)
	e.emit(t, event.SeverityWarning, "task cancelled before execution", nil)
}

// timeoutFor resolves the effective timeout: registration, then queue, then
// executor default.
func (e *Executor) timeoutFor(reg *handler.Registration) time.Duration {
	if reg.Timeout > 0 {
		return reg.Timeout
	}
	if d := e.queue.DefaultTimeout(); d > 0 {
		return d
	}
	return e.defaultTimeout
}

// isCancellation reports whether the execution error reflects the run
// context being cancelled rather than a handler failure.
func (e *Executor) isCancellation(runCtx context.Context, err error) bool {
	if runCtx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, cancel.ErrUserCancelled) ||
		errors.Is(err, cancel.ErrTimeout) ||
		errors.Is(err, cancel.ErrServiceStopped)
}

// finishCompleted records a successful attempt and, for recurring tasks,
// schedules the next occurrence. Scheduling happens only after the attempt is
// recorded, so at most one occurrence per task is ever in flight.
func (e *Executor) finishCompleted(d *queue.Descriptor, reg *handler.Registration, runCtx context.Context, duration time.Duration) {
	t := d.Task

	if h, ok := reg.Source.(handler.CompletedHook); ok {
		e.safeHook(t, "completed", func() { h.OnCompleted(runCtx, t.ID) })
	}

	ctx := context.Background()
	runs := t.CurrentRuns + 1

	var next *time.Time
	if t.IsRecurring() {
		next = t.Recurring.NextRun(time.Now(), runs)
	}

	if err := e.store.UpdateRun(ctx, t.ID, task.StatusCompleted, duration, nil, next); err != nil {
		e.logger.ErrorContext(ctx, "failed to record completed run",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	t.CurrentRuns = runs
	t.NextRunAt = next
	e.processed.Add(1)

	if t.IsRecurring() && next != nil && e.sched != nil {
		e.requeueRecurring(d, *next)
		e.emit(t, event.SeverityInfo,
			fmt.Sprintf("task completed, next run at %s", next.Format(time.RFC3339)), nil)
		return
	}

	if err := e.store.SetCompleted(ctx, t.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark task completed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	e.emit(t, event.SeverityInfo, "task completed", nil)
}

// requeueRecurring moves a recurring task back to WaitingQueue between runs
// and hands it to the scheduler for its next occurrence. WaitingQueue keeps
// the task recoverable across restarts while it waits.
func (e *Executor) requeueRecurring(d *queue.Descriptor, due time.Time) {
	t := d.Task
	ctx := context.Background()
	if err := e.store.SetStatus(ctx, t.ID, task.StatusWaitingQueue, nil); err != nil {
		e.logger.ErrorContext(ctx, "failed to requeue recurring task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	t.Status = task.StatusWaitingQueue
	e.sched.Schedule(d, due)
}

// finishFailed records an exhausted-retries failure. Recurring tasks keep
// their schedule: one failed occurrence does not end the series.
func (e *Executor) finishFailed(d *queue.Descriptor, reg *handler.Registration, runCtx context.Context, execErr error, duration time.Duration) {
	t := d.Task
	msg := execErr.Error()

	if h, ok := reg.Source.(handler.ErrorHook); ok {
		e.safeHook(t, "error", func() { h.OnError(runCtx, t.ID, execErr, msg) })
	}

	ctx := context.Background()
	runs := t.CurrentRuns + 1

	var next *time.Time
	if t.IsRecurring() {
		next = t.Recurring.NextRun(time.Now(), runs)
	}

	if err := e.store.UpdateRun(ctx, t.ID, task.StatusFailed, duration, &msg, next); err != nil {
		e.logger.ErrorContext(ctx, "failed to record failed run",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	t.CurrentRuns = runs
	t.NextRunAt = next
	e.failed.Add(1)

	if t.IsRecurring() && next != nil && e.sched != nil {
		e.requeueRecurring(d, *next)
		e.emit(t, event.SeverityError,
			fmt.Sprintf("task failed, next run at %s", next.Format(time.RFC3339)), execErr)
		return
	}

	if err := e.store.SetStatus(ctx, t.ID, task.StatusFailed, &msg); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark task failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
	e.emit(t, event.SeverityError, "task failed", execErr)
}

// finishCancelled maps the cancellation cause to the right terminal status.
func (e *Executor) finishCancelled(t *task.Task, runCtx context.Context, execErr error, duration time.Duration) {
	cause := context.Cause(runCtx)
	if cause == nil {
		cause = execErr
	}

	ctx := context.Background()
	e.cancelled.Add(1)

	switch {
	case errors.Is(cause, cancel.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded):
		msg := fmt.Sprintf("execution timed out after %s", duration.Round(time.Millisecond))
		if err := e.store.SetStatus(ctx, t.ID, task.StatusCancelled, &msg); err != nil {
			e.logger.ErrorContext(ctx, "failed to mark task cancelled",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
		e.emit(t, event.SeverityWarning, msg, cancel.ErrTimeout)

	case errors.Is(cause, cancel.ErrUserCancelled):
		msg := cancel.ErrUserCancelled.Error()
		if err := e.store.SetCancelledByUser(ctx, t.ID, &msg); err != nil {
			e.logger.ErrorContext(ctx, "failed to mark task cancelled",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
		e.emit(t, event.SeverityWarning, "task cancelled by user", cancel.ErrUserCancelled)

	default:
		// Shutdown, whether cause-tagged by Stop or plain parent
		// cancellation. ServiceStopped is non-terminal: recovery picks
		// the task up on the next start.
		msg := cancel.ErrServiceStopped.Error()
		if err := e.store.SetCancelledByService(ctx, t.ID, &msg); err != nil {
			e.logger.ErrorContext(ctx, "failed to mark task service-stopped",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
		e.emit(t, event.SeverityWarning, "task interrupted by shutdown", cancel.ErrServiceStopped)
	}
}

// closeSource invokes the handler's Closer hook, once per execution.
func (e *Executor) closeSource(t *task.Task, reg *handler.Registration) {
	c, ok := reg.Source.(handler.Closer)
	if !ok {
		return
	}
	e.safeHook(t, "close", func() {
		if err := c.Close(); err != nil {
			e.logger.WarnContext(context.Background(), "handler close failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
	})
}

// safeHook runs a lifecycle hook with panic isolation. Hook failures never
// affect the task outcome.
func (e *Executor) safeHook(t *task.Task, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WarnContext(context.Background(), "handler hook panicked",
				slog.String("task_id", t.ID.String()),
				slog.String("hook", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// emit publishes a lifecycle event when a publisher is wired.
func (e *Executor) emit(t *task.Task, severity event.Severity, msg string, err error) {
	if e.events == nil {
		return
	}
	ev := event.Event{
		TaskID:      t.ID,
		At:          time.Now().UTC(),
		Severity:    severity,
		TaskType:    t.RequestType,
		HandlerType: t.HandlerType,
		Parameters:  string(t.Payload),
		Message:     msg,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.events.Publish(ev)
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	isRunning := e.cancel != nil
	e.mu.Unlock()

	return Stats{
		Active:    e.active.Load(),
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		IsRunning: isRunning,
	}
}

// Healthcheck validates that the executor is running.
func (e *Executor) Healthcheck(ctx context.Context) error {
	if !e.Stats().IsRunning {
		return fmt.Errorf("executor for queue %q is not running", e.queue.Name())
	}
	return nil
}

// Queue returns the queue this executor consumes.
func (e *Executor) Queue() *queue.Queue {
	return e.queue
}
