// Package engine provides a persistent, in-process background task execution
// system: typed dispatch, named bounded queues, deferred and recurring
// scheduling, retries, cancellation, audit trails, and crash recovery.
//
// # Features
//
//   - Type-safe handlers and dispatch using Go generics
//   - Named bounded queues with wait/reject/fallback full-queue policies
//   - Deferred execution (delay or absolute time) via a sharded scheduler
//   - Recurring schedules: cron expressions and fluent intervals
//   - Configurable retry policies with error filtering
//   - Cancellation of waiting and executing tasks, cause-tagged timeouts
//   - Per-task audit trails: status history, run history, execution logs
//   - Startup recovery: interrupted work is replayed from storage
//   - Lifecycle events published to in-process subscribers
//   - Graceful shutdown with proper cleanup
//
// # Basic Usage
//
// Create an engine, register handlers, run it, dispatch requests:
//
//	import (
//		"github.com/taskhive/taskhive/core/engine"
//		"github.com/taskhive/taskhive/core/handler"
//		"github.com/taskhive/taskhive/core/storage"
//	)
//
//	// Create storage (in-memory for development)
//	store := storage.NewMemory()
//
//	eng, err := engine.New(store,
//		engine.WithLogger(slog.Default()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Define request type
//	type SendEmail struct {
//		To      string `json:"to"`
//		Subject string `json:"subject"`
//	}
//
//	// Register type-safe handler
//	engine.RegisterFunc(eng, func(ctx context.Context, req SendEmail) error {
//		return mailer.Send(req.To, req.Subject)
//	})
//
//	// Run engine
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go eng.Run(ctx)
//
//	// Dispatch tasks
//	id, err := eng.Dispatch(ctx, SendEmail{To: "user@example.com", Subject: "Welcome!"})
//
// # Deferred Tasks
//
// Defer execution with a delay or an absolute time:
//
//	eng.Dispatch(ctx, payload, engine.WithDelay(time.Hour))
//	eng.Dispatch(ctx, payload, engine.WithExecuteAt(time.Date(2026, 12, 25, 9, 0, 0, 0, time.UTC)))
//
// # Recurring Tasks
//
// Attach a recurring schedule with the fluent builder or a cron expression:
//
//	// Every five minutes, at most ten times
//	eng.Dispatch(ctx, payload,
//		engine.WithSchedule(task.Schedule().EveryMinutes(5).MaxRuns(10)),
//	)
//
//	// Weekdays at 09:00
//	eng.Dispatch(ctx, payload,
//		engine.WithSchedule(task.Schedule().EveryDays(1).At(9, 0).
//			OnWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)),
//	)
//
//	// Cron expression
//	eng.Dispatch(ctx, payload,
//		engine.WithSchedule(task.Schedule().Cron("0 9 * * 1-5")),
//	)
//
// At most one occurrence per recurring task is ever in flight; occurrences
// missed while the process was down are recorded as skipped, not replayed.
//
// # Retry Policies
//
// Handlers choose their retry behavior at registration time:
//
//	policy, _ := retry.NewLinearPolicy(3, 5*time.Second,
//		retry.DoNotHandle(retry.Is(ErrPermanent)),
//	)
//	engine.Register(eng, h, handler.WithRetryPolicy(policy))
//
// Cancellations and timeouts are never retried.
//
// # Cancellation
//
// Cancel reaches a task wherever it is. Waiting tasks are pulled from the
// scheduler and marked Cancelled; executing tasks get their context cancelled
// with a user-cancel cause:
//
//	ok, err := eng.Cancel(ctx, id)
//
// # Queues
//
// Route heavy work to dedicated queues with their own parallelism:
//
//	eng, _ := engine.New(store,
//		engine.WithQueue("images",
//			queue.WithMaxParallel(3),
//			queue.WithFullBehavior(queue.FullBehaviorReject),
//		),
//	)
//	engine.Register(eng, resizeHandler, handler.WithQueue("images"))
//
// # Custom Storage Backend
//
// storage.NewMemory is suitable for development and tests. Production
// deployments implement storage.Storage over a database; the engine never
// assumes more than the interface contract.
package engine
