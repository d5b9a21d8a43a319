package transport

import "sync"

// Table is a process-local registry of per-bot values (live connections,
// reconnect timers) with an explicit lifecycle: inserted on start, removed on
// stop or expiry. One instance per owner, constructed at startup, never
// ambient package state.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]T)}
}

// Insert stores value under id, replacing any previous entry. The previous
// entry is returned so the caller can tear it down.
func (t *Table[T]) Insert(id string, value T) (prev T, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, existed = t.entries[id]
	t.entries[id] = value
	return prev, existed
}

// Remove deletes and returns the entry for id.
func (t *Table[T]) Remove(id string) (value T, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, existed = t.entries[id]
	delete(t.entries, id)
	return value, existed
}

// Lookup returns the entry for id without removing it.
func (t *Table[T]) Lookup(id string) (value T, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, existed = t.entries[id]
	return value, existed
}

// Drain removes and returns every entry. Used at shutdown.
func (t *Table[T]) Drain() map[string]T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.entries
	t.entries = make(map[string]T)
	return out
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
