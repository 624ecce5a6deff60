// Package scheduler holds not-yet-due tasks (delayed and recurring) in a
// sharded priority structure and releases them to the queue manager at their
// due time. Shards are independent and failure-isolated: one shard's
// dispatch error never stops the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/core/queue"
)

// maxSleep bounds how long a shard sleeps before re-checking its head entry.
// Keeps the loop live under clock skew and very distant due times.
const maxSleep = 90 * time.Minute

// maxSkipRecord caps the occurrences recorded per catch-up pass.
const maxSkipRecord = 1000

// Enqueuer releases due descriptors. Satisfied by *queue.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, d *queue.Descriptor) error
}

// SkipRecorder persists recurring occurrences that fell into downtime.
// Satisfied by storage.Storage.
type SkipRecorder interface {
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error
}

// Scheduler owns S independent shards. A task is assigned to shard
// fnv32a(taskID) mod S.
type Scheduler struct {
	shards []*shard
	target Enqueuer
	skips  SkipRecorder
	logger *slog.Logger
	seq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	shutdownTimeout time.Duration

	scheduled  atomic.Int64
	dispatched atomic.Int64
	failures   atomic.Int64
}

// Stats provides observability metrics for monitoring and tests.
type Stats struct {
	Pending    int   // entries currently held across all shards
	Scheduled  int64 // total entries accepted
	Dispatched int64 // total entries released to the queue manager
	Failures   int64 // dispatch errors (shard kept running)
	IsRunning  bool
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	shards          int
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithShards sets the shard count. Defaults to max(4, NumCPU).
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for shard loops to exit.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a scheduler releasing due tasks into target.
func New(target Enqueuer, skips SkipRecorder, opts ...Option) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("scheduler target must not be nil")
	}

	o := &options{
		shards:          defaultShardCount(),
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Scheduler{
		shards:          make([]*shard, o.shards),
		target:          target,
		skips:           skips,
		logger:          o.logger,
		shutdownTimeout: o.shutdownTimeout,
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s, nil
}

func defaultShardCount() int {
	n := runtime.NumCPU()
	if n < 4 {
		return 4
	}
	return n
}

// shardFor derives the shard index by unsigned modulo over an FNV-1a hash of
// the task id.
func (s *Scheduler) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Schedule holds the descriptor until due, then releases it to the queue
// manager. An explicit recurring due time on the descriptor takes precedence
// over the task's base scheduled time.
func (s *Scheduler) Schedule(d *queue.Descriptor, due time.Time) {
	if d == nil || d.Task == nil {
		return
	}
	d.Due = &due
	s.shardFor(d.Task.ID).add(&entry{due: due, seq: s.seq.Add(1), desc: d})
	s.scheduled.Add(1)
}

// Remove drops any held entries for the task id. Returns how many entries
// were removed.
func (s *Scheduler) Remove(id uuid.UUID) int {
	sh := s.shardFor(id)
	n := sh.remove(func(e *entry) bool { return e.desc.Task.ID == id })
	if n > 0 {
		sh.signal()
	}
	return n
}

// ScheduleRecurring computes the next occurrence for a recurring task from
// its spec, records (without replaying) occurrences missed during downtime,
// and schedules the next future run. Returns the scheduled due time, or nil
// when the schedule is exhausted and the caller should terminalize the task.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, d *queue.Descriptor, now time.Time) (*time.Time, error) {
	if d == nil || d.Task == nil || d.Task.Recurring == nil {
		return nil, fmt.Errorf("descriptor is not recurring")
	}
	t := d.Task
	spec := t.Recurring

	// Catch up from downtime: walk occurrences from the stored next-run
	// time to now, recording them as skipped. They do not count against
	// the run budget.
	var skipped []time.Time
	if t.NextRunAt != nil && t.NextRunAt.Before(now) {
		cursor := *t.NextRunAt
		for len(skipped) < maxSkipRecord {
			if cursor.After(now) {
				break
			}
			skipped = append(skipped, cursor)
			next := spec.NextRun(cursor, t.CurrentRuns)
			if next == nil {
				break
			}
			cursor = *next
		}
	}
	if len(skipped) > 0 && s.skips != nil {
		if err := s.skips.RecordSkippedOccurrences(ctx, t.ID, skipped); err != nil {
			s.logger.WarnContext(ctx, "failed to record skipped occurrences",
				slog.String("task_id", t.ID.String()),
				slog.Int("count", len(skipped)),
				slog.String("error", err.Error()))
		}
	}

	next := spec.NextRun(now, t.CurrentRuns)
	if next == nil {
		return nil, nil
	}
	t.NextRunAt = next
	s.Schedule(d, *next)
	return next, nil
}

// Start runs all shard loops. This is a blocking operation that runs until
// the context is cancelled. Use Run() for errgroup pattern or call this in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.InfoContext(s.ctx, "scheduler started",
		slog.Int("shards", len(s.shards)))

	for _, sh := range s.shards {
		s.wg.Add(1)
		go func(sh *shard) {
			defer s.wg.Done()
			s.runShard(sh)
		}(sh)
	}

	<-s.ctx.Done()
	return s.ctx.Err()
}

// Stop cancels the shard loops and waits up to the shutdown timeout.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(context.Background(), "scheduler stopped cleanly")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.logger.WarnContext(context.Background(), "scheduler shutdown timeout exceeded",
			slog.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = s.Stop()
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

// runShard is the per-shard loop: release due entries, sleep until the next
// due time (bounded by maxSleep), wake early on inserts.
func (s *Scheduler) runShard(sh *shard) {
	for {
		if s.ctx.Err() != nil {
			return
		}

		now := time.Now()
		if e, ok := sh.popDue(now); ok {
			s.dispatch(e)
			continue
		}

		head, ok := sh.peek()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-sh.wake:
			}
			continue
		}

		delay := time.Until(head.due)
		if delay > maxSleep {
			delay = maxSleep
		}
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-sh.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch releases one due entry to the queue manager. Errors are logged
// and counted; the shard keeps running.
func (s *Scheduler) dispatch(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.ErrorContext(context.Background(), "panic dispatching due task",
				slog.String("task_id", e.desc.Task.ID.String()),
				slog.Any("panic", r))
		}
	}()

	if err := s.target.Enqueue(s.ctx, e.desc); err != nil {
		s.failures.Add(1)
		s.logger.ErrorContext(s.ctx, "failed to dispatch due task",
			slog.String("task_id", e.desc.Task.ID.String()),
			slog.String("queue", e.desc.Task.Queue),
			slog.Time("due", e.due),
			slog.String("error", err.Error()))
		return
	}
	s.dispatched.Add(1)
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	isRunning := s.cancel != nil
	s.mu.Unlock()

	pending := 0
	for _, sh := range s.shards {
		pending += sh.len()
	}
	return Stats{
		Pending:    pending,
		Scheduled:  s.scheduled.Load(),
		Dispatched: s.dispatched.Load(),
		Failures:   s.failures.Load(),
		IsRunning:  isRunning,
	}
}

// Healthcheck validates that the scheduler is running.
func (s *Scheduler) Healthcheck(ctx context.Context) error {
	if !s.Stats().IsRunning {
		return fmt.Errorf("scheduler is not running")
	}
	return nil
}

// ShardCount returns the number of shards.
func (s *Scheduler) ShardCount() int {
	return len(s.shards)
}
