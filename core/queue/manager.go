package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Manager is the registry of named queues. It routes descriptors to their
// target queue, falling back to the default queue for unknown names and
// resolving the FullBehaviorFallback policy.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	def    string
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager with the given default queue.
func NewManager(def *Queue, opts ...ManagerOption) (*Manager, error) {
	if def == nil {
		return nil, fmt.Errorf("default queue must not be nil")
	}

	m := &Manager{
		queues: map[string]*Queue{def.Name(): def},
		def:    def.Name(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Add registers a named queue.
func (m *Manager) Add(q *Queue) error {
	if q == nil {
		return fmt.Errorf("queue must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[q.Name()]; exists {
		return fmt.Errorf("queue %q already registered", q.Name())
	}
	m.queues[q.Name()] = q
	return nil
}

// Get returns the named queue.
func (m *Manager) Get(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Default returns the default queue.
func (m *Manager) Default() *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[m.def]
}

// Names returns all registered queue names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Enqueue routes the descriptor to its target queue. Unknown queue names
// fall back to the default queue. When the target rejects with a full buffer
// and its policy is FullBehaviorFallback, the default queue is tried once.
func (m *Manager) Enqueue(ctx context.Context, d *Descriptor) error {
	if d == nil || d.Task == nil {
		return fmt.Errorf("nil descriptor")
	}

	name := d.Task.Queue
	m.mu.RLock()
	q, ok := m.queues[name]
	def := m.queues[m.def]
	m.mu.RUnlock()

	if !ok {
		if def == nil {
			return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
		}
		m.logger.DebugContext(ctx, "queue not registered, routing to default",
			slog.String("queue", name),
			slog.String("task_id", d.Task.ID.String()))
		q = def
	}

	err := q.Enqueue(ctx, d)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrQueueFull) && q.FullBehavior() == FullBehaviorFallback && q != def {
		m.logger.DebugContext(ctx, "queue full, falling back to default",
			slog.String("queue", q.Name()),
			slog.String("task_id", d.Task.ID.String()))
		return def.Enqueue(ctx, d)
	}
	return err
}
