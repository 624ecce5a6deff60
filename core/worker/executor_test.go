package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/core/cancel"
	"github.com/taskhive/taskhive/core/event"
	"github.com/taskhive/taskhive/core/handler"
	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/retry"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
	"github.com/taskhive/taskhive/core/worker"
	"github.com/taskhive/taskhive/pkg/guid"
)

type testRequest struct {
	Value int `json:"value"`
}

type fakeRescheduler struct {
	mu   sync.Mutex
	dues []time.Time
}

func (f *fakeRescheduler) Schedule(_ *queue.Descriptor, due time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dues = append(f.dues, due)
}

func (f *fakeRescheduler) scheduled() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dues...)
}

type harness struct {
	store    *storage.Memory
	registry *handler.Registry
	queue    *queue.Queue
	exec     *worker.Executor
	cancels  *cancel.Registry
	bl       *cancel.Blacklist
	sched    *fakeRescheduler

	eventsMu sync.Mutex
	events   []event.Event
}

func newHarness(t *testing.T, opts ...worker.Option) *harness {
	t.Helper()

	h := &harness{
		store:    storage.NewMemory(),
		registry: handler.NewRegistry(),
		cancels:  cancel.NewRegistry(),
		bl:       cancel.NewBlacklist(),
		sched:    &fakeRescheduler{},
	}

	q, err := queue.New("work", h.store, h.bl, queue.WithMaxParallel(2))
	require.NoError(t, err)
	h.queue = q

	pub := event.NewPublisher(event.WithSubscribers(func(ev event.Event) {
		h.eventsMu.Lock()
		h.events = append(h.events, ev)
		h.eventsMu.Unlock()
	}))
	pctx, pcancel := context.WithCancel(context.Background())
	t.Cleanup(pcancel)
	go pub.Start(pctx)

	all := append([]worker.Option{
		worker.WithBlacklist(h.bl),
		worker.WithCancelRegistry(h.cancels),
		worker.WithEventPublisher(pub),
		worker.WithRescheduler(h.sched),
		worker.WithShutdownTimeout(2 * time.Second),
	}, opts...)

	exec, err := worker.New(q, h.store, h.registry, all...)
	require.NoError(t, err)
	h.exec = exec
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	t.Cleanup(cancelFn)
	go h.exec.Start(ctx)
	require.Eventually(t, func() bool {
		return h.exec.Stats().IsRunning
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) dispatch(t *testing.T, mutate ...func(*task.Task)) *task.Task {
	t.Helper()

	payload, err := json.Marshal(testRequest{Value: 42})
	require.NoError(t, err)

	tk := &task.Task{
		ID:          guid.New(),
		Payload:     payload,
		RequestType: handler.RequestTypeName[testRequest](),
		Queue:       "work",
		Status:      task.StatusWaitingQueue,
		AuditLevel:  task.AuditFull,
		CreatedAt:   time.Now().UTC(),
	}
	for _, m := range mutate {
		m(tk)
	}
	require.NoError(t, h.store.Persist(context.Background(), tk))
	require.NoError(t, h.queue.Enqueue(context.Background(), &queue.Descriptor{Task: tk}))
	return tk
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 3*time.Second, 10*time.Millisecond, "want status %s, got %+v", want, got)
	return got
}

func TestExecutor_New(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	q, err := queue.New("work", store, nil)
	require.NoError(t, err)

	_, err = worker.New(nil, store, handler.NewRegistry())
	assert.Error(t, err)
	_, err = worker.New(q, nil, handler.NewRegistry())
	assert.Error(t, err)
	_, err = worker.New(q, store, nil)
	assert.Error(t, err)
}

func TestExecutor_Completes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got atomic.Int64
	require.NoError(t, handler.RegisterFunc(h.registry, func(_ context.Context, req testRequest) error {
		got.Store(int64(req.Value))
		return nil
	}))
	h.start(t)

	tk := h.dispatch(t)
	final := h.waitStatus(t, tk.ID, task.StatusCompleted)

	assert.Equal(t, int64(42), got.Load())
	assert.Equal(t, 1, final.CurrentRuns)
	assert.NotNil(t, final.LastExecutedAt)

	runs, err := h.store.RunAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, task.StatusCompleted, runs[0].Status)

	audits, err := h.store.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, audits[len(audits)-1].NewStatus)

	assert.Equal(t, int64(1), h.exec.Stats().Processed)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	policy, err := retry.NewLinearPolicy(3, time.Millisecond)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, handler.WithRetryPolicy(policy)))
	h.start(t)

	tk := h.dispatch(t)
	h.waitStatus(t, tk.ID, task.StatusCompleted)
	assert.Equal(t, int32(3), calls.Load())

	// Retry warnings were published between attempts.
	require.Eventually(t, func() bool {
		h.eventsMu.Lock()
		defer h.eventsMu.Unlock()
		warnings := 0
		for _, ev := range h.events {
			if ev.Severity == event.SeverityWarning {
				warnings++
			}
		}
		return warnings == 2
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	policy, err := retry.NewLinearPolicy(2, time.Millisecond)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		calls.Add(1)
		return errors.New("always broken")
	}, handler.WithRetryPolicy(policy)))
	h.start(t)

	tk := h.dispatch(t)
	final := h.waitStatus(t, tk.ID, task.StatusFailed)

	assert.Equal(t, int32(2), calls.Load())
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "always broken")
	assert.Equal(t, int64(1), h.exec.Stats().Failed)
}

func TestExecutor_WhitelistFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	transient := errors.New("transient")
	policy, err := retry.NewLinearPolicy(5, time.Millisecond, retry.Handle(retry.Is(transient)))
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		calls.Add(1)
		return errors.New("permanent")
	}, handler.WithRetryPolicy(policy)))
	h.start(t)

	tk := h.dispatch(t)
	h.waitStatus(t, tk.ID, task.StatusFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_UnregisteredType(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	tk := h.dispatch(t, func(tk *task.Task) { tk.RequestType = "ghost.Request" })
	final := h.waitStatus(t, tk.ID, task.StatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "no handler registered")
}

func TestExecutor_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(ctx context.Context, _ testRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}, handler.WithTimeout(30*time.Millisecond)))
	h.start(t)

	tk := h.dispatch(t)
	final := h.waitStatus(t, tk.ID, task.StatusCancelled)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "timed out")
	assert.Equal(t, int64(1), h.exec.Stats().Cancelled)
}

func TestExecutor_UserCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	require.NoError(t, handler.RegisterFunc(h.registry, func(ctx context.Context, _ testRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	h.start(t)

	tk := h.dispatch(t)
	<-started
	require.True(t, h.cancels.Cancel(tk.ID, cancel.ErrUserCancelled))

	h.waitStatus(t, tk.ID, task.StatusCancelled)
	require.Eventually(t, func() bool {
		return h.cancels.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_ServiceStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	require.NoError(t, handler.RegisterFunc(h.registry, func(ctx context.Context, _ testRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	h.start(t)

	tk := h.dispatch(t)
	<-started
	require.NoError(t, h.exec.Stop())

	h.waitStatus(t, tk.ID, task.StatusServiceStopped)
}

func TestExecutor_PanicIsFailedAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		panic("handler bug")
	}))
	h.start(t)

	tk := h.dispatch(t)
	final := h.waitStatus(t, tk.ID, task.StatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "handler panicked")
	// The pool survives a panicking handler.
	assert.True(t, h.exec.Stats().IsRunning)
}

func TestExecutor_BlacklistedBeforeExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		t.Error("handler must not run for blacklisted task")
		return nil
	}))

	// Admit before the executor starts, then cancel while it waits.
	tk := h.dispatch(t)
	h.bl.Add(tk.ID)
	h.start(t)

	h.waitStatus(t, tk.ID, task.StatusCancelled)
	assert.False(t, h.bl.Contains(tk.ID))
}

func TestExecutor_BlacklistedAlreadyCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		t.Error("handler must not run for blacklisted task")
		return nil
	}))

	// The cancelling side blacklisted the buffered task and already wrote the
	// terminal status; the dequeue path must not write a second one.
	tk := h.dispatch(t)
	h.bl.Add(tk.ID)
	msg := "cancelled before execution"
	require.NoError(t, h.store.SetCancelledByUser(context.Background(), tk.ID, &msg))
	h.start(t)

	require.Eventually(t, func() bool {
		return h.exec.Stats().Cancelled == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, h.bl.Contains(tk.ID))

	audits, err := h.store.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	var cancelled int
	for _, a := range audits {
		if a.NewStatus == task.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestExecutor_SkipsTerminalTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		t.Error("handler must not run for terminal task")
		return nil
	}))

	// A buffered descriptor can outlive its task: cancelled after admission
	// with the blacklist entry already consumed elsewhere. The in-progress
	// transition fails on the terminal status and execution is skipped.
	tk := h.dispatch(t)
	msg := "cancelled before execution"
	require.NoError(t, h.store.SetCancelledByUser(context.Background(), tk.ID, &msg))
	h.start(t)

	require.Eventually(t, func() bool {
		return h.exec.Stats().Cancelled == 1
	}, 3*time.Second, 10*time.Millisecond)

	got, err := h.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestExecutor_RecurringReschedules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		return nil
	}))
	h.start(t)

	spec := &task.RecurringSpec{
		Interval: &task.Interval{Unit: task.UnitMinute, Every: 5},
		MaxRuns:  2,
	}

	tk := h.dispatch(t, func(tk *task.Task) {
		tk.Recurring = spec
		tk.MaxRuns = 2
	})

	require.Eventually(t, func() bool {
		return len(h.sched.scheduled()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	got, err := h.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRuns)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, h.sched.scheduled()[0].Equal(*got.NextRunAt))
	// Back to WaitingQueue between runs: the series continues and the task
	// stays recoverable while it waits.
	assert.Equal(t, task.StatusWaitingQueue, got.Status)
}

func TestExecutor_RecurringCompletesAtMaxRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(context.Context, testRequest) error {
		return nil
	}))
	h.start(t)

	spec := &task.RecurringSpec{
		Interval: &task.Interval{Unit: task.UnitMinute, Every: 5},
		MaxRuns:  2,
	}

	// Last allowed run.
	tk := h.dispatch(t, func(tk *task.Task) {
		tk.Recurring = spec
		tk.MaxRuns = 2
		tk.CurrentRuns = 1
	})

	final := h.waitStatus(t, tk.ID, task.StatusCompleted)
	assert.Equal(t, 2, final.CurrentRuns)
	assert.Nil(t, final.NextRunAt)
	assert.Empty(t, h.sched.scheduled())
}

type hookedHandler struct {
	started   atomic.Bool
	completed atomic.Bool
	closed    atomic.Bool
}

func (h *hookedHandler) Handle(context.Context, testRequest) error { return nil }
func (h *hookedHandler) OnStarted(context.Context, uuid.UUID)      { h.started.Store(true) }
func (h *hookedHandler) OnCompleted(context.Context, uuid.UUID)    { h.completed.Store(true) }
func (h *hookedHandler) Close() error                              { h.closed.Store(true); return nil }

func TestExecutor_LifecycleHooks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hooked := &hookedHandler{}
	require.NoError(t, handler.Register[testRequest](h.registry, hooked))
	h.start(t)

	tk := h.dispatch(t)
	h.waitStatus(t, tk.ID, task.StatusCompleted)

	require.Eventually(t, func() bool {
		return hooked.started.Load() && hooked.completed.Load() && hooked.closed.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_ExecutionLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(ctx context.Context, _ testRequest) error {
		worker.Logger(ctx).Info("processing item", "step", "resize")
		return nil
	}))
	h.start(t)

	tk := h.dispatch(t)
	h.waitStatus(t, tk.ID, task.StatusCompleted)

	require.Eventually(t, func() bool {
		logs, err := h.store.Logs(context.Background(), tk.ID, -1, 0)
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)

	logs, err := h.store.Logs(context.Background(), tk.ID, -1, 0)
	require.NoError(t, err)
	assert.Contains(t, logs[0].Message, "processing item")
	assert.Contains(t, logs[0].Message, "step=resize")
	assert.Equal(t, int64(0), logs[0].Sequence)
}

func TestExecutor_ErrorsOnlyLogGating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, handler.RegisterFunc(h.registry, func(ctx context.Context, _ testRequest) error {
		log := worker.Logger(ctx)
		log.Info("ignored at errors-only level")
		log.Error("kept at errors-only level")
		return nil
	}))
	h.start(t)

	tk := h.dispatch(t, func(tk *task.Task) { tk.AuditLevel = task.AuditErrorsOnly })
	h.waitStatus(t, tk.ID, task.StatusCompleted)

	require.Eventually(t, func() bool {
		logs, err := h.store.Logs(context.Background(), tk.ID, -1, 0)
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)

	logs, err := h.store.Logs(context.Background(), tk.ID, -1, 0)
	require.NoError(t, err)
	assert.Contains(t, logs[0].Message, "kept")
	assert.Equal(t, "ERROR", logs[0].Level)
}
