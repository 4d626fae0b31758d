package pool

import (
	"fmt"
	"sync"
)

// slotTable is the single synchronization point of the pool. Every agent
// execution holds exactly one slot for its lifetime; the number of busy
// slots never exceeds the configured maximum.
type slotTable struct {
	mu   sync.Mutex
	max  int
	busy map[int]string // slot id -> current subtask id
	free []int
	next int
	peak int
}

func newSlotTable(max int) *slotTable {
	return &slotTable{
		max:  max,
		busy: make(map[int]string, max),
	}
}

// acquire reserves a slot for the given subtask. The admission loop already
// bounds concurrency, so a full table here means an invariant was violated.
func (t *slotTable) acquire(subtaskID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.busy) >= t.max {
		return 0, fmt.Errorf("all %d slots busy", t.max)
	}

	var id int
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		id = t.next
		t.next++
	}

	t.busy[id] = subtaskID
	if len(t.busy) > t.peak {
		t.peak = len(t.busy)
	}
	return id, nil
}

// release returns a slot to the free list. Release and result recording are
// atomic with respect to the active-count invariant: the slot is free the
// moment the map entry is gone.
func (t *slotTable) release(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.busy[id]; !ok {
		return
	}
	delete(t.busy, id)
	t.free = append(t.free, id)
}

// Busy returns the number of currently occupied slots.
func (t *slotTable) Busy() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.busy)
}

// Peak returns the high-water mark of concurrently occupied slots.
func (t *slotTable) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}
