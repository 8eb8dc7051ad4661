// Package backend stores opaque blobs by slash-separated key for the
// reference cache server.
package backend

import (
	"context"
	"io"

	buildcache "github.com/wolfeidau/build-cache"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = buildcache.ErrNotFound

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous value.
	// Readers never observe a partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}
