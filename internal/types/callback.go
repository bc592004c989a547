package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// Callbacks are yielded in registration order, removal is idempotent.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callbackEntry[T]
	nextID uint64
}

type callbackEntry[T any] struct {
	id uint64
	cb T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns the function that removes it.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callbackEntry[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.cbs = slices.DeleteFunc(m.cbs, func(e callbackEntry[T]) bool { return e.id == id })
			m.mu.Unlock()
		})
	}
}

// Clear removes all callbacks.
func (m *CallbackManager[T]) Clear() {
	if m == nil {
		return
	}

	m.mu.Lock()
	clear(m.cbs)
	m.cbs = m.cbs[:0]
	m.mu.Unlock()
}

// All iterates over a snapshot of callbacks, so callbacks may add or remove
// callbacks while being iterated.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		cbs := make([]T, len(m.cbs))
		for i, e := range m.cbs {
			cbs[i] = e.cb
		}
		m.mu.RUnlock()

		for _, cb := range cbs {
			if !yield(cb) {
				return
			}
		}
	}
}
