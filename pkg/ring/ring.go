// Package ring provides a fixed-capacity FIFO that evicts its oldest entry
// when full.
//
// Ring is not safe for concurrent use.
package ring

type Ring[T any] struct {
	buf   []T
	head  int // read position
	count int
}

// New creates a ring holding at most capacity entries. A capacity below
// one is raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends item. When the ring is full the oldest entry is discarded
// and returned with evicted set to true.
func (r *Ring[T]) Push(item T) (dropped T, evicted bool) {
	if r.count == len(r.buf) {
		dropped = r.buf[r.head]
		r.buf[r.head] = item
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = item
	r.count++
	return dropped, false
}

// Pop removes and returns the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return item, true
}

// Drain removes every entry and returns them oldest first.
func (r *Ring[T]) Drain() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, 0, r.count)
	for {
		item, ok := r.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func (r *Ring[T]) Clear() {
	clear(r.buf)
	r.head = 0
	r.count = 0
}

func (r *Ring[T]) Len() int {
	return r.count
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
