package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskhive/taskhive/core/cancel"
	"github.com/taskhive/taskhive/core/event"
	"github.com/taskhive/taskhive/core/handler"
	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/retry"
	"github.com/taskhive/taskhive/core/scheduler"
	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
	"github.com/taskhive/taskhive/core/worker"
)

// Engine is the in-process task execution service. Create one per process,
// register handlers, then Run it alongside the rest of the application.
type Engine struct {
	store     storage.Storage
	registry  *handler.Registry
	blacklist *cancel.Blacklist
	cancels   *cancel.Registry
	events    *event.Publisher
	queues    *queue.Manager
	sched     *scheduler.Scheduler
	executors map[string]*worker.Executor
	logger    *slog.Logger

	defaultAudit     task.AuditLevel
	recoveryEnabled  bool
	recoveryPageSize int

	mu      sync.Mutex
	running bool
}

// New creates an engine on the given storage with the built-in "default" and
// "recurring" queues. Additional queues are added with WithQueue.
func New(store storage.Storage, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine storage must not be nil")
	}

	o := &options{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		defaultRetry:     retry.None(),
		defaultAudit:     task.AuditFull,
		shutdownTimeout:  30 * time.Second,
		recoveryEnabled:  true,
		recoveryPageSize: 100,
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		store:            store,
		registry:         handler.NewRegistry(),
		blacklist:        cancel.NewBlacklist(),
		cancels:          cancel.NewRegistry(),
		logger:           o.logger,
		defaultAudit:     o.defaultAudit,
		recoveryEnabled:  o.recoveryEnabled,
		recoveryPageSize: o.recoveryPageSize,
		executors:        make(map[string]*worker.Executor),
	}

	pubOpts := []event.PublisherOption{event.WithLogger(o.logger)}
	if o.eventBuffer > 0 {
		pubOpts = append(pubOpts, event.WithBufferSize(o.eventBuffer))
	}
	if len(o.subscribers) > 0 {
		pubOpts = append(pubOpts, event.WithSubscribers(o.subscribers...))
	}
	e.events = event.NewPublisher(pubOpts...)

	builtin := append([]queue.Option{queue.WithLogger(o.logger)}, o.queueDefaults...)
	def, err := queue.New(task.DefaultQueueName, store, e.blacklist, builtin...)
	if err != nil {
		return nil, fmt.Errorf("create default queue: %w", err)
	}
	e.queues, err = queue.NewManager(def, queue.WithManagerLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("create queue manager: %w", err)
	}

	recurring, err := queue.New(task.RecurringQueueName, store, e.blacklist, builtin...)
	if err != nil {
		return nil, fmt.Errorf("create recurring queue: %w", err)
	}
	if err := e.queues.Add(recurring); err != nil {
		return nil, err
	}

	for _, spec := range o.extraQueues {
		qOpts := append([]queue.Option{queue.WithLogger(o.logger)}, spec.opts...)
		q, err := queue.New(spec.name, store, e.blacklist, qOpts...)
		if err != nil {
			return nil, fmt.Errorf("create queue %q: %w", spec.name, err)
		}
		if err := e.queues.Add(q); err != nil {
			return nil, err
		}
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithShutdownTimeout(o.shutdownTimeout),
	}
	if o.shards > 0 {
		schedOpts = append(schedOpts, scheduler.WithShards(o.shards))
	}
	e.sched, err = scheduler.New(e.queues, store, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	for _, name := range e.queues.Names() {
		q, _ := e.queues.Get(name)
		ex, err := worker.New(q, store, e.registry,
			worker.WithBlacklist(e.blacklist),
			worker.WithCancelRegistry(e.cancels),
			worker.WithEventPublisher(e.events),
			worker.WithRescheduler(e.sched),
			worker.WithDefaultRetryPolicy(o.defaultRetry),
			worker.WithDefaultTimeout(o.defaultTimeout),
			worker.WithShutdownTimeout(o.shutdownTimeout),
			worker.WithLogger(o.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("create executor for queue %q: %w", name, err)
		}
		e.executors[name] = ex
	}

	return e, nil
}

// NewFromConfig creates an engine from configuration. Additional options
// override config values.
func NewFromConfig(cfg Config, store storage.Storage, opts ...Option) (*Engine, error) {
	configOpts := []Option{
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithDefaultTimeout(cfg.DefaultTimeout),
		WithSchedulerShards(cfg.SchedulerShards),
		WithEventBufferSize(cfg.EventBufferSize),
		WithRecoveryPageSize(cfg.RecoveryPageSize),
		WithDefaultAuditLevel(task.AuditLevel(cfg.DefaultAuditLevel)),
		WithQueueDefaults(
			queue.WithCapacity(cfg.QueueCapacity),
			queue.WithMaxParallel(cfg.QueueMaxParallel),
			queue.WithFullBehavior(queue.FullBehavior(cfg.QueueFullBehavior)),
			queue.WithDefaultTimeout(cfg.QueueTimeout),
		),
	}
	if !cfg.RecoveryEnabled {
		configOpts = append(configOpts, WithoutRecovery())
	}
	return New(store, append(configOpts, opts...)...)
}

// Register registers a typed handler on the engine's registry.
func Register[T any](e *Engine, h handler.Typed[T], opts ...handler.Option) error {
	return handler.Register(e.registry, h, opts...)
}

// RegisterFunc registers a plain function handler on the engine's registry.
func RegisterFunc[T any](e *Engine, fn handler.Func[T], opts ...handler.Option) error {
	return handler.RegisterFunc(e.registry, fn, opts...)
}

// Subscribe registers an event subscriber. Safe to call while running.
func (e *Engine) Subscribe(fn event.Subscriber) {
	e.events.Subscribe(fn)
}

// Run starts all components in an error group and blocks until the context
// is cancelled or a component fails. After the components are up it replays
// recovery-eligible tasks from storage.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.InfoContext(ctx, "engine starting",
		slog.Any("queues", e.queues.Names()),
		slog.Int("handlers", e.registry.Len()),
		slog.Int("scheduler_shards", e.sched.ShardCount()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(e.events.Run(ctx))
	eg.Go(e.sched.Run(ctx))
	for _, ex := range e.executors {
		eg.Go(ex.Run(ctx))
	}

	if e.recoveryEnabled {
		eg.Go(func() error {
			e.recoverPending(ctx)
			return nil
		})
	}

	return eg.Wait()
}

// Stats aggregates component statistics.
type Stats struct {
	Queues    map[string]int // buffered descriptors per queue
	Scheduler scheduler.Stats
	Executors map[string]worker.Stats
	Events    event.PublisherStats
	InFlight  int
	IsRunning bool
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	s := Stats{
		Queues:    make(map[string]int),
		Scheduler: e.sched.Stats(),
		Executors: make(map[string]worker.Stats),
		Events:    e.events.Stats(),
		InFlight:  e.cancels.Len(),
		IsRunning: running,
	}
	for _, name := range e.queues.Names() {
		q, _ := e.queues.Get(name)
		s.Queues[name] = q.Len()
	}
	for name, ex := range e.executors {
		s.Executors[name] = ex.Stats()
	}
	return s
}

// Healthcheck validates that the engine and its components are running.
func (e *Engine) Healthcheck(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if err := e.sched.Healthcheck(ctx); err != nil {
		return err
	}
	for _, ex := range e.executors {
		if err := ex.Healthcheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Storage returns the underlying storage implementation.
func (e *Engine) Storage() storage.Storage {
	return e.store
}

// Registry returns the handler registry.
func (e *Engine) Registry() *handler.Registry {
	return e.registry
}

// Task returns the persisted task by id.
func (e *Engine) Task(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return e.store.Get(ctx, id)
}
