package events

import "sync"

// History is a thread-safe circular buffer of recent events.
type History[T any] struct {
	buffer []T
	head   int
	tail   int
	count  int
	size   int
	mu     sync.RWMutex
}

// NewHistory creates a buffer holding at most capacity items.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &History[T]{
		buffer: make([]T, capacity),
		size:   capacity,
	}
}

// Push adds an item, overwriting the oldest if full.
func (r *History[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer[r.tail] = item
	r.tail = (r.tail + 1) % r.size

	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
}

// All returns all items from oldest to newest.
func (r *History[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.buffer[(r.head+i)%r.size]
	}
	return result
}

// Len returns the current number of items.
func (r *History[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
