package dialog_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ghettovoice/siptu/dialog"
)

func TestKey_Equal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b *dialog.Key
		want bool
	}{
		{"same order", dialog.NewKey("a", "b", "c", false), dialog.NewKey("a", "b", "c", false), true},
		{"other call id", dialog.NewKey("a", "b", "c", false), dialog.NewKey("a", "b", "d", false), false},
		{"swapped not exchangeable", dialog.NewKey("a", "b", "c", false), dialog.NewKey("b", "a", "c", false), false},
		{"swapped left exchangeable", dialog.NewKey("a", "b", "c", true), dialog.NewKey("b", "a", "c", false), true},
		{"swapped right exchangeable", dialog.NewKey("a", "b", "c", false), dialog.NewKey("b", "a", "c", true), true},
		{"null tag is not a wildcard", dialog.NewKey("a", "", "c", false), dialog.NewKey("a", "b", "c", false), false},
		{"null tags match", dialog.NewKey("", "b", "c", false), dialog.NewKey("", "b", "c", false), true},
		{"swapped null tag exchangeable", dialog.NewKey("", "b", "c", true), dialog.NewKey("b", "", "c", true), true},
		{"nil", dialog.NewKey("a", "b", "c", false), nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.a.Equal(c.b); got != c.want {
				t.Errorf("%v.Equal(%v) = %v, want %v", c.a, c.b, got, c.want)
			}
			if c.b != nil {
				if got := c.b.Equal(c.a); got != c.want {
					t.Errorf("%v.Equal(%v) = %v, want %v", c.b, c.a, got, c.want)
				}
				if c.want && c.a.Hash() != c.b.Hash() {
					t.Errorf("equal keys %v and %v hash differently", c.a, c.b)
				}
			}
		})
	}
}

func TestKey_Setup(t *testing.T) {
	t.Parallel()

	k := dialog.NewKey("a", "b", "c", true)
	k.Setup("x", "", "y", false)
	if got, want := k.String(), `"x","","y"`; got != want {
		t.Fatalf("k.String() = %s, want %s", got, want)
	}
	if !k.IsEarly() {
		t.Fatal("k.IsEarly() = false, want true")
	}
}

func TestKeyPool(t *testing.T) {
	t.Parallel()

	p := dialog.NewKeyPool(2)
	k1 := p.Get().Setup("a", "b", "c", true)
	p.Put(k1)

	k2 := p.Get()
	if k2 != k1 {
		t.Fatalf("p.Get() = %p, want pooled %p", k2, k1)
	}
	if k2.Tag1() != "" || k2.Tag2() != "" || k2.ID() != "" || k2.Exchangeable() {
		t.Fatalf("pooled key = %v, want zero key", k2)
	}

	// exhaustion allocates
	keys := []*dialog.Key{k2, p.Get(), p.Get(), p.Get()}
	for _, k := range keys {
		if k == nil {
			t.Fatal("p.Get() = nil, want a key")
		}
		p.Put(k)
	}
	if got := p.Stats(); got.Idle != 2 || got.Drops != 2 {
		t.Fatalf("p.Stats() = %+v, want 2 idle and 2 drops", got)
	}
}

func TestKeyTable(t *testing.T) {
	t.Parallel()

	tbl := dialog.NewKeyTable[string](4)
	probes := dialog.NewKeyPool(1)

	tbl.Set(dialog.NewKey("a", "b", "sid-1", true), "proxy")
	tbl.Set(dialog.NewKey("a", "b", "call-1", false), "uac")

	probe := probes.Get().Setup("b", "a", "sid-1", false)
	if v, ok := tbl.Get(probe); !ok || v != "proxy" {
		t.Fatalf("tbl.Get(%v) = (%q, %v), want (\"proxy\", true)", probe, v, ok)
	}
	probes.Put(probe)

	if _, ok := tbl.Get(dialog.NewKey("b", "a", "call-1", false)); ok {
		t.Fatal("tbl.Get(swapped ordered key) returned ok=true, want false")
	}

	if v, loaded := tbl.SetIfAbsent(dialog.NewKey("a", "b", "call-1", false), "other"); !loaded || v != "uac" {
		t.Fatalf("tbl.SetIfAbsent() = (%q, %v), want (\"uac\", true)", v, loaded)
	}

	if _, ok := tbl.DelFunc(dialog.NewKey("a", "b", "call-1", false), func(v string) bool { return v == "other" }); ok {
		t.Fatal("tbl.DelFunc(mismatched value) returned ok=true, want false")
	}
	if v, ok := tbl.Del(dialog.NewKey("a", "b", "call-1", false)); !ok || v != "uac" {
		t.Fatalf("tbl.Del() = (%q, %v), want (\"uac\", true)", v, ok)
	}
	if got := tbl.Len(); got != 1 {
		t.Fatalf("tbl.Len() = %d, want 1", got)
	}
}

func TestKeyTable_Concurrent(t *testing.T) {
	t.Parallel()

	tbl := dialog.NewKeyTable[int](0)
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := dialog.NewKey(fmt.Sprint(i), "remote", "call", false)
			tbl.Set(k, i)
			for range tbl.All() {
			}
			if v, ok := tbl.Get(k); !ok || v != i {
				t.Errorf("tbl.Get(%v) = (%d, %v), want (%d, true)", k, v, ok, i)
			}
			if i%2 == 0 {
				tbl.Del(k)
			}
		}()
	}
	wg.Wait()

	if got := tbl.Len(); got != 32 {
		t.Fatalf("tbl.Len() = %d, want 32", got)
	}
}
