// Package correlate holds the id-mapping state shared across the async RPC
// boundary: a coarse-locked table per bridge component plus the monotone
// identifier counter used at submission time.
package correlate

import "sync"

// Table maps one identifier space onto another. The single lock is held only
// for the duration of a map read/write, never across a network call.
type Table[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{m: make(map[K]V)}
}

// Put inserts or replaces the mapping for k.
func (t *Table[K, V]) Put(k K, v V) {
	t.mu.Lock()
	t.m[k] = v
	t.mu.Unlock()
}

// Get returns the mapping for k if present.
func (t *Table[K, V]) Get(k K) (V, bool) {
	t.mu.Lock()
	v, ok := t.m[k]
	t.mu.Unlock()
	return v, ok
}

// Take removes and returns the mapping for k in one locked step, so two
// concurrent deliveries for the same key cannot both observe it.
func (t *Table[K, V]) Take(k K) (V, bool) {
	t.mu.Lock()
	v, ok := t.m[k]
	if ok {
		delete(t.m, k)
	}
	t.mu.Unlock()
	return v, ok
}

// Delete removes the mapping for k.
func (t *Table[K, V]) Delete(k K) {
	t.mu.Lock()
	delete(t.m, k)
	t.mu.Unlock()
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	n := len(t.m)
	t.mu.Unlock()
	return n
}
