package hashcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 32

// table is a sharded map keyed by Path. Shards are selected by an xxhash of
// the path name so members of one archive always share the archive's shard.
type table[V any] struct {
	shards [numShards]shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[Path]V
}

func newTable[V any]() *table[V] {
	t := &table[V]{}
	for i := range t.shards {
		t.shards[i].m = make(map[Path]V)
	}
	return t
}

func (t *table[V]) shardFor(p Path) *shard[V] {
	return &t.shards[xxhash.Sum64String(p.Name)%numShards]
}

func (t *table[V]) get(p Path) (V, bool) {
	s := t.shardFor(p)
	s.mu.RLock()
	v, ok := s.m[p]
	s.mu.RUnlock()
	return v, ok
}

func (t *table[V]) put(p Path, v V) {
	s := t.shardFor(p)
	s.mu.Lock()
	s.m[p] = v
	s.mu.Unlock()
}

// putIf stores v only if keep returns true while the shard lock is held.
// Used to drop values computed before an invalidation.
func (t *table[V]) putIf(p Path, v V, keep func() bool) bool {
	s := t.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !keep() {
		return false
	}
	s.m[p] = v
	return true
}

// deleteFunc removes every entry matching fn and returns the count removed.
func (t *table[V]) deleteFunc(fn func(Path) bool) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for p := range s.m {
			if fn(p) {
				delete(s.m, p)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *table[V]) clear() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.m)
		s.mu.Unlock()
	}
}

func (t *table[V]) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
