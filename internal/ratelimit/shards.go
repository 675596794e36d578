package ratelimit

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 64

// shardedMap spreads keys over independently locked shards so unrelated
// identities never contend on one lock. Shard locks are held only for
// map access; callers synchronize on the entries themselves.
type shardedMap[E any] struct {
	shards []mapShard[E]
}

type mapShard[E any] struct {
	mu      sync.Mutex
	entries map[string]*E
}

func newShardedMap[E any](n int) *shardedMap[E] {
	if n <= 0 {
		n = defaultShardCount
	}
	m := &shardedMap[E]{shards: make([]mapShard[E], n)}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*E)
	}
	return m
}

func (m *shardedMap[E]) shard(key string) *mapShard[E] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// getOrCreate returns the entry for key, creating it with create when
// absent.
func (m *shardedMap[E]) getOrCreate(key string, create func() *E) *E {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = create()
		s.entries[key] = e
	}
	return e
}

// remove deletes key and returns the removed entry.
func (m *shardedMap[E]) remove(key string) (*E, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	return e, ok
}

// sweep calls evict for every entry with its shard locked and deletes
// the entries for which evict returns true. It returns the number of
// deleted entries.
func (m *shardedMap[E]) sweep(evict func(key string, e *E) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if evict(k, e) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// len returns the number of entries.
func (m *shardedMap[E]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
