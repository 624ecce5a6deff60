package storage

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/core/task"
	"github.com/taskhive/taskhive/pkg/guid"
)

// Memory implements Storage for testing and local development.
// A single RWMutex guards the maps; all returned tasks are copies so callers
// can never mutate stored state directly.
type Memory struct {
	mu           sync.RWMutex
	tasks        map[uuid.UUID]*task.Task
	order        []uuid.UUID
	byKey        map[string][]uuid.UUID
	statusAudits map[uuid.UUID][]task.StatusAudit
	runAudits    map[uuid.UUID][]task.RunAudit
	logs         map[uuid.UUID][]task.ExecutionLogEntry
	skipped      map[uuid.UUID][]time.Time
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		tasks:        make(map[uuid.UUID]*task.Task),
		byKey:        make(map[string][]uuid.UUID),
		statusAudits: make(map[uuid.UUID][]task.StatusAudit),
		runAudits:    make(map[uuid.UUID][]task.RunAudit),
		logs:         make(map[uuid.UUID][]task.ExecutionLogEntry),
		skipped:      make(map[uuid.UUID][]time.Time),
	}
}

var _ Storage = (*Memory)(nil)

func (m *Memory) Persist(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return ErrDuplicateID
	}
	if t.Key != "" {
		for _, id := range m.byKey[t.Key] {
			if existing := m.tasks[id]; existing != nil && !existing.Status.Terminal() {
				return ErrDuplicateTaskKey
			}
		}
	}

	stored := t.Clone()
	if stored.CreatedAt.IsZero() {
		// Fall back to the creation time encoded in the id, so cursor
		// ordering stays consistent with id ordering.
		if ms, ok := guid.Timestamp(stored.ID); ok {
			stored.CreatedAt = time.UnixMilli(ms).UTC()
		} else {
			stored.CreatedAt = time.Now().UTC()
		}
	}
	m.tasks[stored.ID] = stored
	m.order = append(m.order, stored.ID)
	if stored.Key != "" {
		m.byKey[stored.Key] = append(m.byKey[stored.Key], stored.ID)
	}
	m.appendStatusAudit(stored, stored.Status, nil)
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) GetAll(ctx context.Context) ([]*task.Task, error) {
	return m.Find(ctx, func(*task.Task) bool { return true })
}

func (m *Memory) Find(ctx context.Context, match func(*task.Task) bool) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Task
	for _, id := range m.order {
		if t := m.tasks[id]; t != nil && match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *Memory) GetByKey(ctx context.Context, key string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byKey[key]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	t, ok := m.tasks[ids[len(ids)-1]]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) SetStatus(ctx context.Context, id uuid.UUID, status task.Status, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status, errMsg)
}

func (m *Memory) setStatusLocked(id uuid.UUID, status task.Status, errMsg *string) error {
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminalStatus
	}

	t.Status = status
	if status.Terminal() || status == task.StatusServiceStopped {
		now := time.Now().UTC()
		t.LastExecutedAt = &now
		t.Error = errMsg
	}
	m.appendStatusAudit(t, status, errMsg)
	return nil
}

func (m *Memory) appendStatusAudit(t *task.Task, status task.Status, errMsg *string) {
	if !t.AuditLevel.CoversStatus(status) {
		return
	}
	m.statusAudits[t.ID] = append(m.statusAudits[t.ID], task.StatusAudit{
		TaskID:    t.ID,
		NewStatus: status,
		UpdatedAt: time.Now().UTC(),
		Error:     errMsg,
	})
}

func (m *Memory) SetQueued(ctx context.Context, id uuid.UUID) error {
	return m.SetStatus(ctx, id, task.StatusQueued, nil)
}

func (m *Memory) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return m.SetStatus(ctx, id, task.StatusInProgress, nil)
}

func (m *Memory) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return m.SetStatus(ctx, id, task.StatusCompleted, nil)
}

func (m *Memory) SetCancelledByUser(ctx context.Context, id uuid.UUID, msg *string) error {
	return m.SetStatus(ctx, id, task.StatusCancelled, msg)
}

func (m *Memory) SetCancelledByService(ctx context.Context, id uuid.UUID, msg *string) error {
	return m.SetStatus(ctx, id, task.StatusServiceStopped, msg)
}

func (m *Memory) UpdateRun(ctx context.Context, id uuid.UUID, status task.Status, duration time.Duration, errMsg *string, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	t.CurrentRuns++
	t.LastExecutedAt = &now
	t.NextRunAt = nextRun
	if status == task.StatusFailed {
		t.Error = errMsg
	}

	if t.AuditLevel.CoversRun(status == task.StatusFailed) {
		m.runAudits[id] = append(m.runAudits[id], task.RunAudit{
			TaskID:     id,
			Status:     status,
			ExecutedAt: now,
			Duration:   duration,
			Error:      errMsg,
		})
	}
	return nil
}

func (m *Memory) UpdateScheduledAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ScheduledAt = &at
	return nil
}

// cursorLess orders tasks by (CreatedAt, ID) ascending.
func cursorLess(aCreated time.Time, aID uuid.UUID, bCreated time.Time, bID uuid.UUID) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.Before(bCreated)
	}
	return bytes.Compare(aID[:], bID[:]) < 0
}

func (m *Memory) FetchPending(ctx context.Context, after *Cursor, limit int) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var eligible []*task.Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t == nil || !t.Status.Recoverable() {
			continue
		}
		if after != nil && !cursorLess(after.CreatedAt, after.ID, t.CreatedAt, t.ID) {
			continue
		}
		eligible = append(eligible, t)
	}

	// The order slice is append-only in creation order; ids are
	// time-ordered, so a stable sort is unnecessary unless CreatedAt was
	// supplied out of band. Sort defensively by the cursor ordering.
	for i := 1; i < len(eligible); i++ {
		for j := i; j > 0 && cursorLess(eligible[j].CreatedAt, eligible[j].ID, eligible[j-1].CreatedAt, eligible[j-1].ID); j-- {
			eligible[j], eligible[j-1] = eligible[j-1], eligible[j]
		}
	}

	page := &Page{}
	for _, t := range eligible {
		if len(page.Tasks) == limit {
			page.HasMore = true
			break
		}
		page.Tasks = append(page.Tasks, t.Clone())
		page.Next = Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
	}
	return page, nil
}

func (m *Memory) Remove(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}

	delete(m.tasks, id)
	delete(m.statusAudits, id)
	delete(m.runAudits, id)
	delete(m.logs, id)
	delete(m.skipped, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if t.Key != "" {
		ids := m.byKey[t.Key]
		for i, kid := range ids {
			if kid == id {
				m.byKey[t.Key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.byKey[t.Key]) == 0 {
			delete(m.byKey, t.Key)
		}
	}
	return nil
}

func (m *Memory) AppendLogs(ctx context.Context, id uuid.UUID, entries []task.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.AuditLevel == task.AuditNone {
		return nil
	}

	seq := int64(len(m.logs[id]))
	for _, e := range entries {
		e.TaskID = id
		e.Sequence = seq
		seq++
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		m.logs[id] = append(m.logs[id], e)
	}
	return nil
}

func (m *Memory) Logs(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]task.ExecutionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []task.ExecutionLogEntry
	for _, e := range m.logs[id] {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	m.skipped[id] = append(m.skipped[id], occurrences...)
	return nil
}

// SkippedOccurrences returns the recorded skipped occurrences for a task.
func (m *Memory) SkippedOccurrences(ctx context.Context, id uuid.UUID) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.skipped[id]...), nil
}

func (m *Memory) StatusAudits(ctx context.Context, id uuid.UUID) ([]task.StatusAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]task.StatusAudit(nil), m.statusAudits[id]...), nil
}

func (m *Memory) RunAudits(ctx context.Context, id uuid.UUID) ([]task.RunAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]task.RunAudit(nil), m.runAudits[id]...), nil
}
