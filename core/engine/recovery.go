package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
)

// recoverPending replays recovery-eligible tasks after a restart. Storage is
// the source of truth: anything non-terminal gets a new in-memory handle and
// is re-routed to the queue or the scheduler. Pages by cursor so concurrent
// dispatches cannot shift the walk.
func (e *Engine) recoverPending(ctx context.Context) {
	now := time.Now().UTC()
	var after *storage.Cursor
	recovered := 0

	for {
		page, err := e.store.FetchPending(ctx, after, e.recoveryPageSize)
		if err != nil {
			e.logger.ErrorContext(ctx, "recovery fetch failed",
				slog.String("error", err.Error()))
			return
		}
		for _, t := range page.Tasks {
			if ctx.Err() != nil {
				return
			}
			e.recoverTask(ctx, t, now)
			recovered++
		}
		if !page.HasMore {
			break
		}
		next := page.Next
		after = &next
	}

	if recovered > 0 {
		e.logger.InfoContext(ctx, "recovery pass finished",
			slog.Int("tasks", recovered))
	}
}

// recoverTask re-routes one persisted task. Interrupted executions
// (InProgress, ServiceStopped) replay with a fresh retry budget; deferred
// tasks go back to the scheduler; recurring tasks resume their schedule with
// missed occurrences recorded, not replayed.
func (e *Engine) recoverTask(ctx context.Context, t *task.Task, now time.Time) {
	d := &queue.Descriptor{Task: t}

	switch {
	case t.IsRecurring():
		if t.BoundsExhausted(now) {
			if err := e.store.SetCompleted(ctx, t.ID); err != nil {
				e.logRecoveryError(ctx, t, err)
			}
			return
		}
		if t.Recurring.RunNow && t.CurrentRuns == 0 {
			if err := e.queues.Enqueue(ctx, d); err != nil {
				e.logRecoveryError(ctx, t, err)
			}
			return
		}
		next, err := e.sched.ScheduleRecurring(ctx, d, now)
		if err != nil {
			e.logRecoveryError(ctx, t, err)
			return
		}
		if next == nil {
			if err := e.store.SetCompleted(ctx, t.ID); err != nil {
				e.logRecoveryError(ctx, t, err)
			}
		}

	case t.ScheduledAt != nil && t.ScheduledAt.After(now):
		e.sched.Schedule(d, *t.ScheduledAt)

	default:
		if err := e.queues.Enqueue(ctx, d); err != nil {
			e.logRecoveryError(ctx, t, err)
		}
	}
}

func (e *Engine) logRecoveryError(ctx context.Context, t *task.Task, err error) {
	e.logger.ErrorContext(ctx, "failed to recover task",
		slog.String("task_id", t.ID.String()),
		slog.String("status", string(t.Status)),
		slog.String("error", err.Error()))
}
