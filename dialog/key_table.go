package dialog

import (
	"iter"
	"slices"

	"github.com/ghettovoice/siptu/internal/syncutil"
)

// KeyTable is a concurrent map from dialog keys to values.
// It buckets entries by [Key.Hash] and matches them with [Key.Equal],
// so exchangeable keys are found in either tag order.
// The table stores its own copies of keys, pooled keys are safe to use as probes.
// Buckets are copied on write, so iteration never observes a bucket being modified.
type KeyTable[V any] struct {
	m *syncutil.ShardMap[uint64, []keyEntry[V]]
}

type keyEntry[V any] struct {
	key Key
	val V
}

// NewKeyTable creates a key table with the given number of shards (0 selects the default).
func NewKeyTable[V any](shards uint) *KeyTable[V] {
	return &KeyTable[V]{
		m: syncutil.NewShardMap[uint64, []keyEntry[V]](
			syncutil.ShardsNum(shards),
			syncutil.HashFunc[uint64](func(h uint64) uint64 { return h }),
		),
	}
}

func findEntry[V any](bucket []keyEntry[V], k *Key) int {
	for i := range bucket {
		if bucket[i].key.Equal(k) {
			return i
		}
	}
	return -1
}

// Set stores the value under the key, replacing the previous value.
func (t *KeyTable[V]) Set(k *Key, val V) {
	t.m.Update(k.Hash(), func(bucket []keyEntry[V], _ bool) ([]keyEntry[V], bool) {
		if i := findEntry(bucket, k); i >= 0 {
			bucket = slices.Clone(bucket)
			bucket[i].val = val
			return bucket, true
		}
		return append(slices.Clip(bucket), keyEntry[V]{*k, val}), true
	})
}

// SetIfAbsent stores the value only when the key is not registered yet.
// It returns the registered value and whether it was already present.
func (t *KeyTable[V]) SetIfAbsent(k *Key, val V) (actual V, loaded bool) {
	t.m.Update(k.Hash(), func(bucket []keyEntry[V], _ bool) ([]keyEntry[V], bool) {
		if i := findEntry(bucket, k); i >= 0 {
			actual, loaded = bucket[i].val, true
			return bucket, true
		}
		actual = val
		return append(slices.Clip(bucket), keyEntry[V]{*k, val}), true
	})
	return actual, loaded
}

// Get returns the value registered under the key.
func (t *KeyTable[V]) Get(k *Key) (val V, ok bool) {
	t.m.View(k.Hash(), func(bucket []keyEntry[V], _ bool) {
		if i := findEntry(bucket, k); i >= 0 {
			val, ok = bucket[i].val, true
		}
	})
	return val, ok
}

// Del removes the key and returns its value.
func (t *KeyTable[V]) Del(k *Key) (V, bool) {
	return t.DelFunc(k, nil)
}

// DelFunc removes the key only if match approves its current value.
// A nil match removes unconditionally.
func (t *KeyTable[V]) DelFunc(k *Key, match func(V) bool) (val V, ok bool) {
	t.m.Update(k.Hash(), func(bucket []keyEntry[V], _ bool) ([]keyEntry[V], bool) {
		i := findEntry(bucket, k)
		if i < 0 || (match != nil && !match(bucket[i].val)) {
			return bucket, len(bucket) > 0
		}
		val, ok = bucket[i].val, true
		bucket = slices.Delete(slices.Clone(bucket), i, i+1)
		return bucket, len(bucket) > 0
	})
	return val, ok
}

// Len returns the number of registered keys.
func (t *KeyTable[V]) Len() int {
	n := 0
	for _, bucket := range t.m.Items() {
		n += len(bucket)
	}
	return n
}

// All iterates over a snapshot of the table.
func (t *KeyTable[V]) All() iter.Seq2[Key, V] {
	return func(yield func(Key, V) bool) {
		for _, bucket := range t.m.Items() {
			for _, e := range bucket {
				if !yield(e.key, e.val) {
					return
				}
			}
		}
	}
}
