package session

import "sync"

// Ring is a bounded FIFO buffer. Once full, appends evict the oldest entry.
// Console and network taps write into rings so a chatty page can never grow
// broker memory without bound.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
	cap   int
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity), cap: capacity}
}

// Add appends one entry, evicting the oldest when full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.size) % r.cap
	r.items[idx] = item
	if r.size < r.cap {
		r.size++
		return
	}
	r.head = (r.head + 1) % r.cap
}

// Items returns entries oldest-first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%r.cap]
	}
	return out
}

// Len reports how many entries are held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Clear discards all entries.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
