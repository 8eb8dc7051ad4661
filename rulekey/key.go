// Package rulekey derives deterministic, input-based cache keys for build
// rules.
//
// A key is a BLAKE3 digest over a rule's ordered field contributions and a
// seed. Path-valued fields contribute the content fingerprint of the file they
// name rather than the key of the rule that produced it, so a rule gets a cache
// hit whenever the bytes it reads are unchanged. Because such a key depends on
// what was read, every rule owning a path that was read must be declared as a
// dependency; Build fails with buildcache.ErrConsistency otherwise.
//
// Field order is part of the key format. Builders never sort or reorder
// fields: adding the same fields in a different order yields a different key.
package rulekey

import (
	"sync/atomic"

	buildcache "github.com/wolfeidau/build-cache"
)

// Key is a rule key.
type Key buildcache.Hash

// String returns the hex-encoded key.
func (k Key) String() string {
	return buildcache.Hash(k).String()
}

// ShortString returns a shortened hex representation for logs.
func (k Key) ShortString() string {
	return buildcache.Hash(k).ShortString()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return buildcache.Hash(k).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	return (*buildcache.Hash)(k).UnmarshalText(text)
}

// ParseKey parses a hex-encoded key.
func ParseKey(s string) (Key, error) {
	h, err := buildcache.ParseHash(s)
	return Key(h), err
}

// Seed identifies the key algorithm and schema version. Changing it changes
// every key.
type Seed uint64

// ID is the stable identity of an Appendable. Sub-keys are memoized per
// (Seed, ID).
type ID uint64

var lastID atomic.Uint64

// NewID allocates a process-unique Appendable identity.
func NewID() ID {
	return ID(lastID.Add(1))
}
