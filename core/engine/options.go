package engine

import (
	"log/slog"
	"time"

	"github.com/taskhive/taskhive/core/event"
	"github.com/taskhive/taskhive/core/queue"
	"github.com/taskhive/taskhive/core/retry"
	"github.com/taskhive/taskhive/core/task"
)

// Option configures an Engine at construction time.
type Option func(*options)

type queueSpec struct {
	name string
	opts []queue.Option
}

type options struct {
	logger           *slog.Logger
	shards           int
	eventBuffer      int
	subscribers      []event.Subscriber
	defaultRetry     retry.Policy
	defaultAudit     task.AuditLevel
	defaultTimeout   time.Duration
	shutdownTimeout  time.Duration
	recoveryEnabled  bool
	recoveryPageSize int
	queueDefaults    []queue.Option
	extraQueues      []queueSpec
}

// WithLogger sets the logger shared by all engine components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSchedulerShards sets the scheduler shard count.
func WithSchedulerShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithEventBufferSize sets the event publisher buffer capacity.
func WithEventBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithSubscribers registers event subscribers at construction time.
func WithSubscribers(subs ...event.Subscriber) Option {
	return func(o *options) {
		o.subscribers = append(o.subscribers, subs...)
	}
}

// WithDefaultRetryPolicy sets the policy applied when a handler registration
// carries none. Defaults to a single attempt.
func WithDefaultRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		if p != nil {
			o.defaultRetry = p
		}
	}
}

// WithDefaultAuditLevel sets the audit level applied to dispatched tasks that
// do not choose one.
func WithDefaultAuditLevel(l task.AuditLevel) Option {
	return func(o *options) {
		if l.Valid() {
			o.defaultAudit = l
		}
	}
}

// WithDefaultTimeout sets the engine-level per-task timeout, applied when
// neither the registration nor the queue sets one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown of every component.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithoutRecovery disables the startup recovery pass.
func WithoutRecovery() Option {
	return func(o *options) {
		o.recoveryEnabled = false
	}
}

// WithRecoveryPageSize sets the recovery page size.
func WithRecoveryPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.recoveryPageSize = n
		}
	}
}

// WithQueueDefaults sets queue options applied to the built-in default and
// recurring queues.
func WithQueueDefaults(opts ...queue.Option) Option {
	return func(o *options) {
		o.queueDefaults = append(o.queueDefaults, opts...)
	}
}

// WithQueue registers an additional named queue with its own executor.
func WithQueue(name string, opts ...queue.Option) Option {
	return func(o *options) {
		if name != "" {
			o.extraQueues = append(o.extraQueues, queueSpec{name: name, opts: opts})
		}
	}
}
