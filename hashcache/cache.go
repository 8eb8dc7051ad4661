// Package hashcache maps filesystem paths to content fingerprints for the
// lifetime of one build session. Files are fingerprinted by their bytes,
// directories by an order-independent aggregate of their children, and
// archive members by the fingerprint recorded in the archive's manifest.
package hashcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/archive"
	"github.com/wolfeidau/build-cache/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultConcurrency bounds how many children of one directory are hashed
// in parallel.
const DefaultConcurrency = 8

// Directory and symlink fingerprints are derived in their own BLAKE3
// contexts, so no file content can reproduce them.
const (
	dirContext     = "build-cache 2026-05 directory fingerprint"
	symlinkContext = "build-cache 2026-05 symlink fingerprint"
)

// Cache is a session-scoped content hash cache. It is safe for concurrent
// use. Concurrent lookups of the same path share one computation, and a
// lookup that begins after Invalidate returns never observes a value
// computed before it.
type Cache struct {
	root        string
	logger      *slog.Logger
	concurrency int

	entries   *table[buildcache.Hash]
	manifests *table[*archive.Manifest]
	group     singleflight.Group

	// generation is bumped by every invalidation. Computations capture it
	// when they start and only publish their result if it is unchanged.
	generation atomic.Uint64

	// testHookComputed runs after a value is computed and before it is
	// published.
	testHookComputed func(Path)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithConcurrency sets how many directory children are hashed in parallel.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a cache whose relative path names are resolved against root.
func New(root string, opts ...Option) (*Cache, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	c := &Cache{
		root:        absRoot,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		entries:     newTable[buildcache.Hash](),
		manifests:   newTable[*archive.Manifest](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the absolute project root.
func (c *Cache) Root() string {
	return c.root
}

// Get returns the fingerprint of p, computing and caching it if needed.
// Errors wrap buildcache.ErrNotFound when the path or member does not exist
// and buildcache.ErrUnsupported when a member is requested from an archive
// without a manifest. Failed lookups are not cached.
func (c *Cache) Get(ctx context.Context, p Path) (buildcache.Hash, error) {
	p = c.normalize(p)
	kind := kindOf(p)
	start := time.Now()

	if h, ok := c.entries.get(p); ok {
		telemetry.RecordHashLookup(ctx, kind, "hit", time.Since(start))
		return h, nil
	}

	h, err := c.load(ctx, p)
	if err != nil {
		telemetry.RecordHashLookup(ctx, kind, "error", time.Since(start))
		return buildcache.Hash{}, err
	}
	telemetry.RecordHashLookup(ctx, kind, "miss", time.Since(start))
	return h, nil
}

// load computes p under singleflight. The coalescing key includes the
// generation so lookups on either side of an invalidation never share work.
func (c *Cache) load(ctx context.Context, p Path) (buildcache.Hash, error) {
	gen := c.generation.Load()
	key := strconv.FormatUint(gen, 10) + "\x00" + p.Name + "\x00" + p.Member

	ch := c.group.DoChan(key, func() (any, error) {
		if h, ok := c.entries.get(p); ok {
			return h, nil
		}
		// Detached so one caller's cancellation does not fail the others.
		h, err := c.compute(context.WithoutCancel(ctx), p)
		if err != nil {
			return nil, err
		}
		if c.testHookComputed != nil {
			c.testHookComputed(p)
		}
		c.entries.putIf(p, h, func() bool { return c.generation.Load() == gen })
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return buildcache.Hash{}, res.Err
		}
		return res.Val.(buildcache.Hash), nil
	case <-ctx.Done():
		return buildcache.Hash{}, ctx.Err()
	}
}

func (c *Cache) compute(ctx context.Context, p Path) (buildcache.Hash, error) {
	if p.IsArchiveMember() {
		return c.hashMember(ctx, p)
	}

	abs := c.abs(p.Name)
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return buildcache.Hash{}, fmt.Errorf("%w: %s", buildcache.ErrNotFound, p)
		}
		return buildcache.Hash{}, fmt.Errorf("stat %s: %w", p, err)
	}

	switch {
	case info.IsDir():
		return c.hashDir(ctx, p.Name, abs)
	case info.Mode().IsRegular():
		return hashFile(abs)
	default:
		return buildcache.Hash{}, fmt.Errorf("%w: %s is not a regular file or directory (%s)",
			buildcache.ErrUnsupported, p, info.Mode().Type())
	}
}

func hashFile(abs string) (buildcache.Hash, error) {
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return buildcache.Hash{}, fmt.Errorf("%w: %s", buildcache.ErrNotFound, abs)
		}
		return buildcache.Hash{}, fmt.Errorf("opening %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()

	h, _, err := buildcache.HashReader(f)
	return h, err
}

// hashDir fingerprints a directory as the sorted (name, child fingerprint)
// pairs of its entries. Children are looked up through the cache so they
// are cached too and invalidated along with the directory.
func (c *Cache) hashDir(ctx context.Context, name, abs string) (buildcache.Hash, error) {
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return buildcache.Hash{}, fmt.Errorf("%w: %s", buildcache.ErrNotFound, name)
		}
		return buildcache.Hash{}, fmt.Errorf("reading directory %s: %w", name, err)
	}

	names := make([]string, len(dirEntries))
	for i, e := range dirEntries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	types := make(map[string]fs.FileMode, len(dirEntries))
	for _, e := range dirEntries {
		types[e.Name()] = e.Type()
	}

	children := make([]buildcache.Hash, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, child := range names {
		childName := joinName(name, child)
		mode := types[child]
		g.Go(func() error {
			h, err := c.hashChild(gctx, childName, mode)
			if err != nil {
				return err
			}
			children[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return buildcache.Hash{}, err
	}

	hasher := buildcache.NewDerivedHasher(dirContext)
	hasher.WriteUint64(uint64(len(names)))
	for i, child := range names {
		hasher.WriteString(child)
		hasher.WriteHash(children[i])
	}
	return hasher.Sum(), nil
}

// hashChild resolves one directory entry. Symlinks to directories are
// fingerprinted by their target text so link cycles cannot recurse forever.
func (c *Cache) hashChild(ctx context.Context, name string, mode fs.FileMode) (buildcache.Hash, error) {
	if mode&fs.ModeSymlink != 0 {
		abs := c.abs(name)
		target, err := os.Readlink(abs)
		if err != nil {
			return buildcache.Hash{}, fmt.Errorf("reading link %s: %w", name, err)
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			h := buildcache.NewDerivedHasher(symlinkContext)
			h.WriteString(target)
			return h.Sum(), nil
		}
	}
	return c.Get(ctx, FilePath(name))
}

func (c *Cache) hashMember(ctx context.Context, p Path) (buildcache.Hash, error) {
	m, err := c.manifest(ctx, p.Name)
	if err != nil {
		return buildcache.Hash{}, err
	}
	h, ok := m.Lookup(p.Member)
	if !ok {
		return buildcache.Hash{}, fmt.Errorf("%w: %s has no manifest entry", buildcache.ErrNotFound, p)
	}
	return h, nil
}

// manifest returns the decoded manifest of an archive, caching it with the
// same generation rules as fingerprints.
func (c *Cache) manifest(_ context.Context, name string) (*archive.Manifest, error) {
	key := Path{Name: name}
	if m, ok := c.manifests.get(key); ok {
		return m, nil
	}

	gen := c.generation.Load()
	v, err, _ := c.group.Do("manifest\x00"+strconv.FormatUint(gen, 10)+"\x00"+name, func() (any, error) {
		if m, ok := c.manifests.get(key); ok {
			return m, nil
		}
		m, err := archive.ReadManifest(c.abs(name))
		if err != nil {
			return nil, err
		}
		c.manifests.putIf(key, m, func() bool { return c.generation.Load() == gen })
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*archive.Manifest), nil
}

// WillGet reports whether a fingerprint for p is cached, without computing it.
func (c *Cache) WillGet(p Path) bool {
	_, ok := c.entries.get(c.normalize(p))
	return ok
}

// Set records a known fingerprint for p.
func (c *Cache) Set(p Path, h buildcache.Hash) {
	c.entries.put(c.normalize(p), h)
}

// Invalidate removes p and, unless p is an archive member, every cached
// entry beneath it including members and the manifest of an archive at p.
// Invalidating a path that is not cached is a no-op.
func (c *Cache) Invalidate(p Path) {
	p = c.normalize(p)
	c.generation.Add(1)

	var removed int
	if p.IsArchiveMember() {
		removed = c.entries.deleteFunc(func(q Path) bool { return q == p })
	} else {
		removed = c.entries.deleteFunc(func(q Path) bool { return q.within(p.Name) })
		removed += c.manifests.deleteFunc(func(q Path) bool { return q.within(p.Name) })
	}
	c.logger.Debug("invalidated hash cache entries", "path", p.String(), "removed", removed)
}

// InvalidateAll clears every entry.
func (c *Cache) InvalidateAll() {
	c.generation.Add(1)
	c.entries.clear()
	c.manifests.clear()
	c.logger.Debug("invalidated all hash cache entries")
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	return c.entries.len()
}

// normalize converts p.Name to a clean, slash-separated name relative to the
// root. Names outside the root stay absolute.
func (c *Cache) normalize(p Path) Path {
	name := p.Name
	if filepath.IsAbs(name) {
		if rel, err := filepath.Rel(c.root, name); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			name = rel
		}
	}
	name = filepath.ToSlash(filepath.Clean(name))
	return Path{Name: name, Member: p.Member}
}

func (c *Cache) abs(name string) string {
	native := filepath.FromSlash(name)
	if filepath.IsAbs(native) {
		return native
	}
	return filepath.Join(c.root, native)
}

func joinName(dir, child string) string {
	if dir == "." {
		return child
	}
	return dir + "/" + child
}

func kindOf(p Path) string {
	if p.IsArchiveMember() {
		return "member"
	}
	return "path"
}
