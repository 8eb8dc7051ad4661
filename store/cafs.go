package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/backend"
	"github.com/wolfeidau/build-cache/telemetry"
)

const blobPrefix = "blobs"

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = buildcache.ErrNotFound

// CAFS implements content-addressable file storage over a Backend.
// Blobs are sharded by the first byte of their hash: blobs/{hex[:2]}/{hex}.
type CAFS struct {
	backend backend.Backend
	tempDir string
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithTempDir sets where uploads are spooled before they are hashed.
// Defaults to os.TempDir.
func WithTempDir(dir string) CAFSOption {
	return func(c *CAFS) {
		c.tempDir = dir
	}
}

// NewCAFS creates a new content-addressable file store.
func NewCAFS(b backend.Backend, opts ...CAFSOption) *CAFS {
	c := &CAFS{backend: b}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put streams r to a spool file while computing both the BLAKE3 hash and the
// payload checksum, then commits it to the backend unless it already exists.
func (c *CAFS) Put(ctx context.Context, r io.Reader, expect buildcache.Checksum) (*PutResult, error) {
	spool, err := os.CreateTemp(c.tempDir, "cafs-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	defer func() { _ = os.Remove(spool.Name()) }()
	defer func() { _ = spool.Close() }()

	hr := buildcache.NewHashingReader(r)
	sum := buildcache.NewChecksummer()
	if _, err := io.Copy(io.MultiWriter(spool, sum), hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	result := &PutResult{
		Hash:     hr.Sum(),
		Checksum: sum.Checksum(),
		Size:     hr.BytesRead(),
	}
	if expect != "" && expect != result.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch: declared %s computed %s",
			buildcache.ErrIntegrity, expect, result.Checksum)
	}

	key := BlobKey(result.Hash)
	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		result.Exists = true
		telemetry.RecordBlobWrite(ctx, result.Size, false)
		return result, nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking spool file: %w", err)
	}
	if err := c.backend.Write(ctx, key, spool); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}
	telemetry.RecordBlobWrite(ctx, result.Size, true)
	return result, nil
}

// Get retrieves content by its hash.
func (c *CAFS) Get(ctx context.Context, h buildcache.Hash) (io.ReadCloser, error) {
	rc, err := c.backend.Read(ctx, BlobKey(h))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, h.ShortString())
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Has checks if content with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h buildcache.Hash) (bool, error) {
	return c.backend.Exists(ctx, BlobKey(h))
}

// Delete removes content by its hash.
func (c *CAFS) Delete(ctx context.Context, h buildcache.Hash) error {
	return c.backend.Delete(ctx, BlobKey(h))
}

// Size returns the size of content with the given hash.
func (c *CAFS) Size(ctx context.Context, h buildcache.Hash) (int64, error) {
	key := BlobKey(h)

	if sb, ok := c.backend.(backend.SizeAwareBackend); ok {
		size, err := sb.Size(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return 0, err
			}
			return 0, fmt.Errorf("getting size: %w", err)
		}
		return size, nil
	}

	rc, err := c.Get(ctx, h)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	size, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("reading content for size: %w", err)
	}
	return size, nil
}

// List returns all hashes in the store. Keys that do not parse as blob keys
// are skipped.
func (c *CAFS) List(ctx context.Context) ([]buildcache.Hash, error) {
	keys, err := c.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]buildcache.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := ParseBlobKey(key)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// BlobKey returns the backend storage key for a blob.
func BlobKey(h buildcache.Hash) string {
	hex := h.String()
	return blobPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBlobKey extracts a hash from a backend storage key produced by BlobKey.
func ParseBlobKey(key string) (buildcache.Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobPrefix {
		return buildcache.Hash{}, fmt.Errorf("invalid blob key: %s", key)
	}
	h, err := buildcache.ParseHash(parts[2])
	if err != nil {
		return buildcache.Hash{}, fmt.Errorf("invalid blob key %s: %w", key, err)
	}
	if !strings.HasPrefix(parts[2], parts[1]) {
		return buildcache.Hash{}, fmt.Errorf("blob key shard mismatch: %s", key)
	}
	return h, nil
}

var _ Store = (*CAFS)(nil)
