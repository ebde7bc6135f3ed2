package util

import "sync"

// Recent keeps the last n items added. Safe for concurrent use.
type Recent[T any] struct {
	mu    sync.Mutex
	n     int
	items []T
}

func NewRecent[T any](n int) *Recent[T] {
	if n < 1 {
		n = 1
	}
	return &Recent[T]{n: n, items: make([]T, 0, 2*n)}
}

// Add appends item and drops the oldest items beyond the limit.
func (r *Recent[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	// compact once the backing array holds twice the limit
	if len(r.items) == cap(r.items) && len(r.items) > r.n {
		kept := r.items[len(r.items)-r.n:]
		r.items = append(make([]T, 0, 2*r.n), kept...)
	}
}

// Items returns the kept items, oldest first.
func (r *Recent[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if len(r.items) > r.n {
		start = len(r.items) - r.n
	}
	return append([]T(nil), r.items[start:]...)
}
