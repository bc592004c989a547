package types

import "sync"

// Deque is a thread-safe FIFO queue backed by a slice.
// Elements are appended to the back and consumed from the front.
type Deque[T any] struct {
	mu   sync.Mutex
	data []T
}

// Append adds the element to the back of the queue.
func (d *Deque[T]) Append(item T) {
	d.mu.Lock()
	d.data = append(d.data, item)
	d.mu.Unlock()
}

// First returns the front element without removing it.
func (d *Deque[T]) First() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.data) == 0 {
		var zero T
		return zero, false
	}
	return d.data[0], true
}

// PopFirst removes and returns the front element.
// The second return value is false when the queue is empty.
func (d *Deque[T]) PopFirst() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if len(d.data) == 0 {
		return zero, false
	}

	item := d.data[0]
	d.data[0] = zero
	d.data = d.data[1:]
	if len(d.data) == 0 {
		d.data = nil
	}
	return item, true
}

// Drain returns all buffered elements in FIFO order and clears the queue.
func (d *Deque[T]) Drain() []T {
	d.mu.Lock()
	out := d.data
	d.data = nil
	d.mu.Unlock()
	return out
}

// Len returns the current number of elements.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}

// IsEmpty reports whether the queue has no elements.
func (d *Deque[T]) IsEmpty() bool { return d.Len() == 0 }
