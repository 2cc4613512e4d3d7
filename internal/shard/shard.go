// Package shard provides a map split into independently locked shards so that
// readers and writers of unrelated keys do not contend on a single mutex.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 32

// Map is a concurrency-safe map partitioned by a key hash.
type Map[K comparable, V any] struct {
	shards []*bucket[K, V]
	hash   func(K) uint64
}

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New creates a Map with n shards using hash to place keys.
func New[K comparable, V any](n int, hash func(K) uint64) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[K, V]{
		shards: make([]*bucket[K, V], n),
		hash:   hash,
	}
	for i := range m.shards {
		m.shards[i] = &bucket[K, V]{items: make(map[K]V)}
	}
	return m
}

// StringHash is an FNV-1a hash for string keys.
func StringHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func (m *Map[K, V]) bucket(k K) *bucket[K, V] {
	return m.shards[m.hash(k)%uint64(len(m.shards))]
}

// Load returns the value stored for k.
func (m *Map[K, V]) Load(k K) (V, bool) {
	b := m.bucket(k)
	b.mu.RLock()
	v, ok := b.items[k]
	b.mu.RUnlock()
	return v, ok
}

// Store sets the value for k, replacing any previous value.
func (m *Map[K, V]) Store(k K, v V) {
	b := m.bucket(k)
	b.mu.Lock()
	b.items[k] = v
	b.mu.Unlock()
}

// Update atomically replaces the value for k with fn(old, exists) and returns it.
// fn runs under the shard lock and must not call back into the Map.
func (m *Map[K, V]) Update(k K, fn func(old V, exists bool) V) V {
	b := m.bucket(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.items[k]
	v := fn(old, ok)
	b.items[k] = v
	return v
}

// Delete removes k. It reports whether k was present.
func (m *Map[K, V]) Delete(k K) bool {
	b := m.bucket(k)
	b.mu.Lock()
	_, ok := b.items[k]
	delete(b.items, k)
	b.mu.Unlock()
	return ok
}

// Range calls fn for every entry until fn returns false. Each shard is copied
// under its read lock before fn is called, so fn may use the Map freely, but
// the iteration is not a point-in-time view across shards.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]K, 0, len(b.items))
		vals := make([]V, 0, len(b.items))
		for k, v := range b.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()

		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
