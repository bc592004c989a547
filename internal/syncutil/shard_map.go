package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// Keys are spread over shards by a hash function, by default [maphash.Comparable].
type ShardMap[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is the number of shards option of [NewShardMap].
type ShardsNum uint

// HashFunc is the key hash function option of [NewShardMap].
type HashFunc[K comparable] func(K) uint64

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// Accepted options are [ShardsNum] (defaults to 32) and [HashFunc].
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var (
		shardsNum ShardsNum
		hash      func(K) uint64
	)
	for _, o := range opts {
		switch v := o.(type) {
		case ShardsNum:
			shardsNum = v
		case HashFunc[K]:
			hash = v
		}
	}

	if shardsNum == 0 {
		shardsNum = defShardsNum
	}
	if hash == nil {
		seed := maphash.MakeSeed()
		hash = func(k K) uint64 { return maphash.Comparable(seed, k) }
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return &ShardMap[K, V]{shards: shards, hash: hash}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hash(key)%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	s.items[key] = value
	s.Unlock()
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Del removes a key-value pair by key and returns the removed value.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.Unlock()
	return val, ok
}

// Update atomically replaces the value stored under the key.
// fn receives the current value and its presence flag and returns the new value
// and whether it should be kept; returning false deletes the key.
func (m *ShardMap[K, V]) Update(key K, fn func(cur V, ok bool) (V, bool)) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	cur, ok := s.items[key]
	if val, keep := fn(cur, ok); keep {
		s.items[key] = val
	} else if ok {
		delete(s.items, key)
	}
}

// View calls fn with the value stored under the key while holding the shard read lock.
func (m *ShardMap[K, V]) View(key K, fn func(cur V, ok bool)) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	cur, ok := s.items[key]
	fn(cur, ok)
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.getShard(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, s := range m.shards {
		s.Lock()
		clear(s.items)
		s.Unlock()
	}
}

// Items returns an iterator over a per-shard snapshot of the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
