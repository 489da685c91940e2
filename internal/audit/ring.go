package audit

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, Push evicts the oldest
// item. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("audit: ring capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the ring is full. It
// reports whether an item was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
