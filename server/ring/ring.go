// Package ring implements a fixed-capacity ring buffer that evicts the oldest
// element once full. The in-memory datastore uses it to cap the metric and
// log event tables; the alert manager uses it for its notification window.
package ring

// Buffer is a bounded FIFO over a preallocated slice. Not safe for concurrent
// use; callers hold their own locks.
type Buffer[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New returns a Buffer that holds at most capacity elements. Capacity must be
// positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
func (b *Buffer[T]) Push(v T) {
	tail := (b.head + b.count) % len(b.buf)
	b.buf[tail] = v
	if b.count == len(b.buf) {
		b.head = (b.head + 1) % len(b.buf)
		return
	}
	b.count++
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.buf) }

// All returns the buffered elements, oldest first.
func (b *Buffer[T]) All() []T {
	out := make([]T, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.buf[(b.head+i)%len(b.buf)])
	}
	return out
}

// Last returns up to n of the most recent elements, oldest of those first.
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]T, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.buf[(b.head+i)%len(b.buf)])
	}
	return out
}
