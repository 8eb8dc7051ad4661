package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// partialPrefix marks in-flight writes. List never reports them.
const partialPrefix = ".partial-"

// Filesystem implements Backend on a local directory.
// Writes land in a temp file beside the destination and are renamed into place.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (b *Filesystem) Root() string {
	return b.root
}

// Write stores data at the given key.
func (b *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := b.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	committed = true
	return nil
}

// Read retrieves data at the given key.
func (b *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (b *Filesystem) Delete(_ context.Context, key string) error {
	path, err := b.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (b *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}

// List returns all keys under prefix, skipping in-flight writes.
func (b *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	dir, err := b.keyToPath(prefix)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), partialPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (b *Filesystem) Size(_ context.Context, key string) (int64, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// keyToPath maps a key onto the filesystem. Keys may not escape the root.
func (b *Filesystem) keyToPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
