package rulekey

import (
	"container/list"
	"strconv"
	"sync"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/hashcache"
)

type memoKey struct {
	seed Seed
	id   ID
}

func (k memoKey) String() string {
	return strconv.FormatUint(uint64(k.seed), 10) + "/" + strconv.FormatUint(uint64(k.id), 10)
}

// pathRead is a path resolved during a derivation and the fingerprint it had.
type pathRead struct {
	path hashcache.Path
	hash buildcache.Hash
}

// pinnedSub is a sub-key a builder holds until it is built.
type pinnedSub struct {
	key memoKey
	d   *derivation
}

// derivation is the memoized result of deriving an Appendable's sub-key. The
// owners and reads it collected are merged into every builder that reuses it
// so the completeness check still sees them, and reads are revalidated before
// reuse. Fields other than pins and idle are immutable once published.
type derivation struct {
	key    Key
	owners []pathUse
	reads  []pathRead

	pins int
	idle *list.Element
}

// memo holds appendable sub-keys. An entry is pinned while a builder that
// used it has not been built; unpinned entries are retained up to capacity
// and evicted oldest first.
type memo struct {
	mu       sync.Mutex
	capacity int
	entries  map[memoKey]*derivation
	idle     *list.List // of memoKey, oldest at front
}

func newMemo(capacity int) *memo {
	return &memo{
		capacity: capacity,
		entries:  make(map[memoKey]*derivation),
		idle:     list.New(),
	}
}

// acquire returns the entry for k pinned, if present.
func (m *memo) acquire(k memoKey) (*derivation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.entries[k]
	if !ok {
		return nil, false
	}
	m.pinLocked(d)
	return d, true
}

func (m *memo) peek(k memoKey) (*derivation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[k]
	return d, ok
}

// publish stores a freshly derived entry unpinned and returns the number of
// entries evicted to make room.
func (m *memo) publish(k memoKey, d *derivation) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[k]; ok {
		m.removeLocked(k, old)
	}
	m.entries[k] = d
	d.idle = m.idle.PushBack(k)
	return m.evictLocked()
}

// pin pins d, re-inserting it under k if it was evicted after publish. When a
// different entry has replaced it, d is pinned detached from the memo.
func (m *memo) pin(k memoKey, d *derivation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[k]
	switch {
	case !ok:
		m.entries[k] = d
		m.pinLocked(d)
	case cur == d:
		m.pinLocked(d)
	default:
		d.pins++
	}
}

// release unpins d and returns the number of entries evicted. A detached d
// is only unpinned.
func (m *memo) release(k memoKey, d *derivation) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.pins == 0 {
		return 0
	}
	d.pins--
	if d.pins == 0 && m.entries[k] == d {
		d.idle = m.idle.PushBack(k)
	}
	return m.evictLocked()
}

// discard unpins an acquired d that turned out to be stale and drops it from
// the memo if it is still the entry under k.
func (m *memo) discard(k memoKey, d *derivation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.pins > 0 {
		d.pins--
	}
	if m.entries[k] == d {
		m.removeLocked(k, d)
	}
}

// forget drops every entry for id regardless of seed or pins. Builders that
// still hold the entry keep using their copy.
func (m *memo) forget(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, d := range m.entries {
		if k.id == id {
			m.removeLocked(k, d)
			n++
		}
	}
	return n
}

func (m *memo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memo) pinLocked(d *derivation) {
	if d.idle != nil {
		m.idle.Remove(d.idle)
		d.idle = nil
	}
	d.pins++
}

func (m *memo) removeLocked(k memoKey, d *derivation) {
	if d.idle != nil {
		m.idle.Remove(d.idle)
		d.idle = nil
	}
	delete(m.entries, k)
}

func (m *memo) evictLocked() int {
	n := 0
	for len(m.entries) > m.capacity && m.idle.Len() > 0 {
		front := m.idle.Front()
		k := front.Value.(memoKey)
		m.removeLocked(k, m.entries[k])
		n++
	}
	return n
}
