// Package ring provides a fixed-capacity FIFO buffer that evicts its oldest
// element when full.
package ring

// Buffer holds at most Cap() values in insertion order. The zero value is
// not usable; create one with [New]. Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	n     int
}

// New returns an empty buffer with the given capacity. Capacities below one
// are raised to one.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{items: make([]T, max(capacity, 1))}
}

// Push appends v, evicting the oldest element if the buffer is full. It
// reports whether an element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	if b.n < len(b.items) {
		b.items[(b.head+b.n)%len(b.items)] = v
		b.n++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	return true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.n }

// Cap returns the maximum number of stored elements.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Values returns a copy of the stored elements, oldest first.
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.n)
	for i := range out {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Reset removes all elements.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.head = 0
	b.n = 0
}
