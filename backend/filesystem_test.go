package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	b, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return b
}

func readKey(t *testing.T, b Backend, key string) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestNewFilesystemCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blobs")

	b, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, b.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	b := newTestFilesystem(t)
	data := []byte("artifact payload")

	require.NoError(t, b.Write(context.Background(), "blobs/ab/abcdef", bytes.NewReader(data)))
	require.Equal(t, data, readKey(t, b, "blobs/ab/abcdef"))
}

func TestFilesystemReadNotFound(t *testing.T) {
	b := newTestFilesystem(t)

	_, err := b.Read(context.Background(), "missing/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExistsAndDelete(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := b.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, b.Write(ctx, "a/b", strings.NewReader("x")))
	exists, err = b.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, b.Delete(ctx, "a/b"))
	exists, err = b.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, b.Delete(ctx, "a/b"))
}

func TestFilesystemSize(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "s", strings.NewReader("0123456789")))
	size, err := b.Size(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	_, err = b.Size(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemList(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{"dir1/file1", "dir1/file2", "dir1/sub/file3", "dir2/file4"}
	for _, key := range keys {
		require.NoError(t, b.Write(ctx, key, strings.NewReader("data")))
	}

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	require.Equal(t, keys, all)

	dir1, err := b.List(ctx, "dir1")
	require.NoError(t, err)
	sort.Strings(dir1)
	require.Equal(t, []string{"dir1/file1", "dir1/file2", "dir1/sub/file3"}, dir1)

	none, err := b.List(ctx, "dir3")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestFilesystemListSkipsPartialWrites(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "d/done", strings.NewReader("ok")))
	require.NoError(t, os.WriteFile(filepath.Join(b.Root(), "d", partialPrefix+"123"), []byte("x"), 0o644))

	keys, err := b.List(ctx, "d")
	require.NoError(t, err)
	require.Equal(t, []string{"d/done"}, keys)
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after == 0 {
		return 0, errors.New("boom")
	}
	n := min(f.after, len(p))
	for i := range n {
		p[i] = 'x'
	}
	f.after -= n
	return n, nil
}

func TestFilesystemFailedWriteKeepsPrevious(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "k", strings.NewReader("original")))
	err := b.Write(ctx, "k", &failingReader{after: 3})
	require.Error(t, err)

	require.Equal(t, []byte("original"), readKey(t, b, "k"))

	entries, err := os.ReadDir(b.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFilesystemWriteCanceled(t *testing.T) {
	b := newTestFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Write(ctx, "k", strings.NewReader("data"))
	require.ErrorIs(t, err, context.Canceled)

	exists, err := b.Exists(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemOverwrite(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "k", strings.NewReader("initial")))
	require.NoError(t, b.Write(ctx, "k", strings.NewReader("replacement that is longer")))
	require.Equal(t, []byte("replacement that is longer"), readKey(t, b, "k"))
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	b := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../outside", "/etc/passwd"} {
		t.Run(key, func(t *testing.T) {
			require.Error(t, b.Write(ctx, key, strings.NewReader("x")))
			_, err := b.Read(ctx, key)
			require.Error(t, err)
			require.NotErrorIs(t, err, ErrNotFound)
		})
	}
}
