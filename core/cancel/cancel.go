// Package cancel provides the process-wide cancellation registry and the
// blacklist that lets cancel requests reach tasks anywhere between dispatch
// and execution.
//
// A task's cancellation source is the logical "any of" over the service
// shutdown signal, a user cancel request, and the per-task timeout. Sources
// are cause-tagged so the executor can map the cancellation reason to the
// right terminal status.
package cancel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUserCancelled tags cancellations requested through Dispatcher.Cancel.
	ErrUserCancelled = errors.New("task cancelled by user")

	// ErrTimeout tags cancellations triggered by a per-task timeout.
	ErrTimeout = errors.New("task execution timed out")

	// ErrServiceStopped tags cancellations caused by service shutdown.
	ErrServiceStopped = errors.New("service stopped")
)

// Cause returns the cancellation cause of ctx, or nil while ctx is live.
func Cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// Registry maps in-flight task ids to their cancellation sources. Entries
// exist only for the duration of an execution: the executor registers before
// invoking the handler and must remove on every exit path.
type Registry struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]context.CancelCauseFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[uuid.UUID]context.CancelCauseFunc)}
}

// Register associates a cancellation source with a task id.
func (r *Registry) Register(id uuid.UUID, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[id] = cancel
}

// Cancel signals the task's source with the given cause.
// Returns false when the task is not in flight.
func (r *Registry) Cancel(id uuid.UUID, cause error) bool {
	r.mu.RLock()
	cancel, ok := r.sources[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	cancel(cause)
	return true
}

// Remove drops the task's source. Safe to call for unknown ids.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Blacklist is the process-wide set of task ids whose execution must be
// skipped if encountered between dispatch and execution. Readers dominate.
type Blacklist struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{ids: make(map[uuid.UUID]struct{})}
}

// Add inserts a task id.
func (b *Blacklist) Add(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[id] = struct{}{}
}

// Contains reports whether the id is blacklisted.
func (b *Blacklist) Contains(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[id]
	return ok
}

// Remove deletes a task id.
func (b *Blacklist) Remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, id)
}

// Len returns the number of blacklisted ids.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}
