package hashcache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/archive"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	root := t.TempDir()
	c, err := New(root)
	require.NoError(t, err)
	return c, root
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGetFileHashesContent(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "src/A.java", "class A {}")

	h, err := c.Get(context.Background(), FilePath("src/A.java"))
	require.NoError(t, err)
	require.Equal(t, buildcache.HashBytes([]byte("class A {}")), h)
	require.True(t, c.WillGet(FilePath("src/A.java")))
}

func TestGetIsStableWithoutInvalidation(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "a.txt", "one")
	ctx := context.Background()

	first, err := c.Get(ctx, FilePath("a.txt"))
	require.NoError(t, err)

	// The cache must not re-read the file until it is invalidated.
	writeFile(t, root, "a.txt", "two")
	second, err := c.Get(ctx, FilePath("a.txt"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestInvalidateThenChangeProducesNewHash(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "a.txt", "one")
	ctx := context.Background()

	before, err := c.Get(ctx, FilePath("a.txt"))
	require.NoError(t, err)

	c.Invalidate(FilePath("a.txt"))
	require.False(t, c.WillGet(FilePath("a.txt")))
	writeFile(t, root, "a.txt", "two")

	after, err := c.Get(ctx, FilePath("a.txt"))
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestAbsoluteAndRelativeNamesShareEntries(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "dir/file", "x")

	_, err := c.Get(context.Background(), FilePath(filepath.Join(root, "dir", "file")))
	require.NoError(t, err)
	require.True(t, c.WillGet(FilePath("dir/file")))
	require.True(t, c.WillGet(FilePath("./dir/../dir/file")))
}

func TestMissingPathIsNotFound(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), FilePath("hello.java"))
	require.ErrorIs(t, err, buildcache.ErrNotFound)
	require.False(t, c.WillGet(FilePath("hello.java")))
}

func TestInvalidatingUncachedPathDoesNothing(t *testing.T) {
	c, _ := newTestCache(t)
	require.False(t, c.WillGet(FilePath("SomeClass.java")))
	c.Invalidate(FilePath("SomeClass.java"))
	require.False(t, c.WillGet(FilePath("SomeClass.java")))
}

func TestSetThenGetReturnsSeededHash(t *testing.T) {
	c, _ := newTestCache(t)
	want := buildcache.HashBytes([]byte("42"))
	c.Set(FilePath("SomeClass.java"), want)

	got, err := c.Get(context.Background(), FilePath("SomeClass.java"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestInvalidateAllClearsEverything(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "path1", "contents1")
	writeFile(t, root, "path2", "contents2")
	ctx := context.Background()

	_, err := c.Get(ctx, FilePath("path1"))
	require.NoError(t, err)
	_, err = c.Get(ctx, FilePath("path2"))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	c.InvalidateAll()
	require.Equal(t, 0, c.Len())
}

func TestDirectoryHashCachesChildren(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "dir/child1", "")
	writeFile(t, root, "dir/child2", "")
	writeFile(t, root, "dir/sub/child3", "deep")
	writeFile(t, root, "dirx/other", "sibling with shared prefix")
	ctx := context.Background()

	_, err := c.Get(ctx, FilePath("dir"))
	require.NoError(t, err)
	_, err = c.Get(ctx, FilePath("dirx/other"))
	require.NoError(t, err)
	for _, name := range []string{"dir", "dir/child1", "dir/child2", "dir/sub", "dir/sub/child3"} {
		require.True(t, c.WillGet(FilePath(name)), name)
	}

	c.Invalidate(FilePath("dir"))
	for _, name := range []string{"dir", "dir/child1", "dir/child2", "dir/sub", "dir/sub/child3"} {
		require.False(t, c.WillGet(FilePath(name)), name)
	}
	require.True(t, c.WillGet(FilePath("dirx/other")))
}

func TestDirectoryHashDetectsDescendantChange(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "dir/sub/leaf", "v1")
	ctx := context.Background()

	before, err := c.Get(ctx, FilePath("dir"))
	require.NoError(t, err)

	writeFile(t, root, "dir/sub/leaf", "v2")
	c.Invalidate(FilePath("dir/sub/leaf"))
	// The parent still holds its old aggregate until it is invalidated too.
	c.Invalidate(FilePath("dir"))

	after, err := c.Get(ctx, FilePath("dir"))
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestDirectoryHashIndependentOfCreationOrder(t *testing.T) {
	c1, root1 := newTestCache(t)
	writeFile(t, root1, "d/b", "2")
	writeFile(t, root1, "d/a", "1")

	c2, root2 := newTestCache(t)
	writeFile(t, root2, "d/a", "1")
	writeFile(t, root2, "d/b", "2")

	h1, err := c1.Get(context.Background(), FilePath("d"))
	require.NoError(t, err)
	h2, err := c2.Get(context.Background(), FilePath("d"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestEmptyDirectoryDiffersFromEmptyFile(t *testing.T) {
	c, root := newTestCache(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	writeFile(t, root, "blank", "")
	ctx := context.Background()

	dir, err := c.Get(ctx, FilePath("empty"))
	require.NoError(t, err)
	file, err := c.Get(ctx, FilePath("blank"))
	require.NoError(t, err)
	require.NotEqual(t, dir, file)
}

func TestFileCannotForgeDirectoryFingerprint(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "d/a", "x")

	// The directory's child encoding written out as plain file content.
	var enc []byte
	enc = binary.BigEndian.AppendUint64(enc, 1)
	enc = binary.BigEndian.AppendUint64(enc, 1)
	enc = append(enc, 'a')
	child := buildcache.HashBytes([]byte("x"))
	enc = append(enc, child[:]...)
	require.NoError(t, os.WriteFile(filepath.Join(root, "forged"), enc, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "zeros"), make([]byte, 8), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	ctx := context.Background()

	dir, err := c.Get(ctx, FilePath("d"))
	require.NoError(t, err)
	forged, err := c.Get(ctx, FilePath("forged"))
	require.NoError(t, err)
	require.NotEqual(t, dir, forged)

	empty, err := c.Get(ctx, FilePath("empty"))
	require.NoError(t, err)
	zeros, err := c.Get(ctx, FilePath("zeros"))
	require.NoError(t, err)
	require.NotEqual(t, empty, zeros)
}

func TestDirectorySymlinkCycleTerminates(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "loop/file", "x")
	require.NoError(t, os.Symlink("..", filepath.Join(root, "loop", "up")))

	_, err := c.Get(context.Background(), FilePath("loop"))
	require.NoError(t, err)
}

func TestArchiveMemberFromManifest(t *testing.T) {
	c, root := newTestCache(t)
	require.NoError(t, archive.WriteFile(filepath.Join(root, "test-abi.jar"), map[string][]byte{
		"SomeClass.class": []byte("Some contents"),
	}))

	got, err := c.Get(context.Background(), MemberPath("test-abi.jar", "SomeClass.class"))
	require.NoError(t, err)
	require.Equal(t, buildcache.HashBytes([]byte("Some contents")), got)
	require.True(t, c.WillGet(MemberPath("test-abi.jar", "SomeClass.class")))
}

func TestArchiveMemberMissingFromManifestIsNotFound(t *testing.T) {
	c, root := newTestCache(t)
	path := filepath.Join(root, "test-abi.jar")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := archive.NewWriter(f)
	require.NoError(t, w.WriteEntry("SomeClass.class", stringsReader("Some contents")))
	require.NoError(t, w.WriteUnhashedEntry("Unhashed.txt", stringsReader("Some contents")))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = c.Get(context.Background(), MemberPath("test-abi.jar", "Unhashed.txt"))
	require.ErrorIs(t, err, buildcache.ErrNotFound)
}

func TestArchiveWithoutManifestIsUnsupported(t *testing.T) {
	c, root := newTestCache(t)
	f, err := os.Create(filepath.Join(root, "no-manifest.jar"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	dst, err := zw.Create("Empty.class")
	require.NoError(t, err)
	_, err = dst.Write([]byte("Contents"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = c.Get(context.Background(), MemberPath("no-manifest.jar", "Empty.class"))
	require.ErrorIs(t, err, buildcache.ErrUnsupported)
}

func TestInvalidateArchiveDropsMembersAndManifest(t *testing.T) {
	c, root := newTestCache(t)
	jar := filepath.Join(root, "lib.jar")
	require.NoError(t, archive.WriteFile(jar, map[string][]byte{"A.class": []byte("v1")}))
	ctx := context.Background()

	before, err := c.Get(ctx, MemberPath("lib.jar", "A.class"))
	require.NoError(t, err)

	require.NoError(t, archive.WriteFile(jar, map[string][]byte{"A.class": []byte("v2")}))
	c.Invalidate(FilePath("lib.jar"))
	require.False(t, c.WillGet(MemberPath("lib.jar", "A.class")))

	after, err := c.Get(ctx, MemberPath("lib.jar", "A.class"))
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestConcurrentGetsAgree(t *testing.T) {
	c, root := newTestCache(t)
	for i := range 20 {
		writeFile(t, root, filepath.ToSlash(filepath.Join("tree", string(rune('a'+i)))), "leaf")
	}
	ctx := context.Background()

	const n = 16
	results := make([]buildcache.Hash, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get(ctx, FilePath("tree"))
			require.NoError(t, err)
			results[i] = h
		}()
	}
	wg.Wait()

	for _, h := range results[1:] {
		require.Equal(t, results[0], h)
	}
}

func TestInvalidateDuringDirectoryComputeDropsStaleValue(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "d/a", "old")
	ctx := context.Background()

	computed := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	c.testHookComputed = func(p Path) {
		if p.Name == "d" && blocked.CompareAndSwap(false, true) {
			close(computed)
			<-release
		}
	}

	type result struct {
		h   buildcache.Hash
		err error
	}
	first := make(chan result, 1)
	go func() {
		h, err := c.Get(ctx, FilePath("d"))
		first <- result{h, err}
	}()
	<-computed

	writeFile(t, root, "d/a", "new")
	c.Invalidate(FilePath("d"))

	// A lookup that starts after Invalidate must not join the blocked one.
	fresh, err := c.Get(ctx, FilePath("d"))
	require.NoError(t, err)

	close(release)
	stale := <-first
	require.NoError(t, stale.err)
	require.NotEqual(t, stale.h, fresh)

	got, err := c.Get(ctx, FilePath("d"))
	require.NoError(t, err)
	require.Equal(t, fresh, got)

	c.InvalidateAll()
	recomputed, err := c.Get(ctx, FilePath("d"))
	require.NoError(t, err)
	require.Equal(t, fresh, recomputed)
}

func TestStaleFilePublishIsRefused(t *testing.T) {
	c, root := newTestCache(t)
	writeFile(t, root, "f", "old")
	ctx := context.Background()

	oldHash, err := c.Get(ctx, FilePath("f"))
	require.NoError(t, err)

	gen := c.generation.Load()
	c.Invalidate(FilePath("f"))
	writeFile(t, root, "f", "new")
	stored := c.entries.putIf(c.normalize(FilePath("f")), oldHash, func() bool { return c.generation.Load() == gen })
	require.False(t, stored)

	got, err := c.Get(ctx, FilePath("f"))
	require.NoError(t, err)
	require.Equal(t, buildcache.HashBytes([]byte("new")), got)
}

func TestParsePath(t *testing.T) {
	require.Equal(t, MemberPath("a.jar", "b/C.class"), ParsePath("a.jar!b/C.class"))
	require.Equal(t, FilePath("src/x"), ParsePath("src/x"))
	require.Equal(t, "a.jar!b/C.class", MemberPath("a.jar", "b/C.class").String())
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
