// Package handle implements the per-process table behind same-process
// transfers. A sender parks an object under a numeric handle and the
// receiver, in the same process, takes ownership of it.
package handle

import "sync"

// Table maps handles to parked objects.
type Table struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]any
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{items: make(map[uint64]any)}
}

// Put parks v and returns its handle. Handles are never zero.
func (t *Table) Put(v any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.items[t.next] = v
	return t.next
}

// Take removes and returns the object parked under h.
func (t *Table) Take(h uint64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}

// Len returns the number of parked objects.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
