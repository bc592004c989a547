// Package pool provides a bounded free list of reusable objects.
package pool

import "sync"

// Pool is a bounded free list. Unlike [sync.Pool] it never drops idle
// objects on GC and never grows past its capacity, so the pool size is
// an explicit knob of the container.
//
// Get never fails: an empty pool allocates with New.
// Put resets the object and drops it when the pool is full.
type Pool[T any] struct {
	New   func() T
	Reset func(T)

	mu   sync.Mutex
	free []T
	cap  int

	gets, allocs, drops uint64
}

// New creates a pool holding at most capacity idle objects.
// Capacity 0 disables pooling, every Get allocates.
func New[T any](capacity int, newFn func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		New:   newFn,
		Reset: reset,
		free:  make([]T, 0, min(capacity, 64)),
		cap:   capacity,
	}
}

// Get returns an idle object or a new one.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	p.gets++
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return v
	}
	p.allocs++
	p.mu.Unlock()
	return p.New()
}

// Put resets the object and returns it to the pool.
// The caller must not use the object afterwards.
func (p *Pool[T]) Put(v T) {
	if p.Reset != nil {
		p.Reset(v)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.cap {
		p.drops++
		return
	}
	p.free = append(p.free, v)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Idle   int    `json:"idle"`
	Gets   uint64 `json:"gets"`
	Allocs uint64 `json:"allocs"`
	Drops  uint64 `json:"drops"`
}

// Stats returns pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:   len(p.free),
		Gets:   p.gets,
		Allocs: p.allocs,
		Drops:  p.drops,
	}
}
