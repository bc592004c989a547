package pool_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptu/internal/pool"
)

type item struct{ v int }

func TestPool(t *testing.T) {
	t.Parallel()

	p := pool.New(1, func() *item { return new(item) }, func(it *item) { it.v = 0 })

	a := p.Get()
	a.v = 1
	b := p.Get()
	b.v = 2

	p.Put(a)
	p.Put(b) // pool is full, dropped

	c := p.Get()
	if c != a {
		t.Fatalf("p.Get() = %p, want pooled %p", c, a)
	}
	if c.v != 0 {
		t.Fatalf("pooled item v = %d, want 0", c.v)
	}

	want := pool.Stats{Idle: 0, Gets: 3, Allocs: 2, Drops: 1}
	if diff := cmp.Diff(p.Stats(), want); diff != "" {
		t.Fatalf("p.Stats() = unexpected result\ndiff (-got +want):\n%v", diff)
	}
}

func TestPool_ZeroCapacity(t *testing.T) {
	t.Parallel()

	p := pool.New(0, func() *item { return new(item) }, nil)
	a := p.Get()
	p.Put(a)
	if got := p.Get(); got == a {
		t.Fatal("p.Get() returned the dropped item, want a fresh one")
	}
}
