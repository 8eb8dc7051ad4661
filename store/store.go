// Package store holds artifact payloads in content-addressable storage.
package store

import (
	"context"
	"io"

	buildcache "github.com/wolfeidau/build-cache"
)

// Store provides content-addressable storage operations.
// Content is stored by its BLAKE3 hash, so identical payloads stored under
// different rule keys share one blob.
type Store interface {
	// Put stores content and returns its hash and checksum. When expect is
	// non-empty the content must match it or nothing is stored and the error
	// wraps buildcache.ErrIntegrity.
	Put(ctx context.Context, r io.Reader, expect buildcache.Checksum) (*PutResult, error)

	// Get retrieves content by its hash.
	// Returns ErrNotFound if the hash does not exist.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, h buildcache.Hash) (io.ReadCloser, error)

	Has(ctx context.Context, h buildcache.Hash) (bool, error)

	// Delete removes content by its hash. Missing content is not an error.
	Delete(ctx context.Context, h buildcache.Hash) error

	// Size returns the size of content with the given hash.
	Size(ctx context.Context, h buildcache.Hash) (int64, error)

	// List returns all hashes in the store. This walks the whole store.
	List(ctx context.Context) ([]buildcache.Hash, error)
}

// PutResult describes a stored blob.
type PutResult struct {
	Hash     buildcache.Hash
	Checksum buildcache.Checksum
	Size     int64
	Exists   bool // content was already present
}
