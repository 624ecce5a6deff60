package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/taskhive/taskhive/core/queue"
)

// entry is one not-yet-due descriptor keyed by its due time. seq breaks ties
// so equal due times release in insertion order.
type entry struct {
	due  time.Time
	seq  uint64
	desc *queue.Descriptor
}

// entryHeap is a min-heap on (due, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// shard owns a priority structure and a wake-up signal. Each shard runs its
// own loop; a crashing dispatch in one shard never affects the others.
type shard struct {
	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}
}

func newShard() *shard {
	return &shard{wake: make(chan struct{}, 1)}
}

// add inserts an entry and signals the loop, which may now have an earlier
// due time to wait for.
func (s *shard) add(e *entry) {
	s.mu.Lock()
	heap.Push(&s.entries, e)
	s.mu.Unlock()
	s.signal()
}

// remove drops all entries for the given predicate match, returning how many
// were removed.
func (s *shard) remove(match func(*entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for i := 0; i < len(s.entries); {
		if match(s.entries[i]) {
			heap.Remove(&s.entries, i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// peek returns the earliest entry without removing it.
func (s *shard) peek() (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

// popDue removes and returns the earliest entry if it is due at now.
func (s *shard) popDue(now time.Time) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 || s.entries[0].due.After(now) {
		return nil, false
	}
	return heap.Pop(&s.entries).(*entry), true
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *shard) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
