// Package archive writes and reads zip archives that carry a side manifest
// of member fingerprints. The content hash cache answers lookups for archive
// members from this manifest rather than re-hashing member bytes.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"
	buildcache "github.com/wolfeidau/build-cache"
)

// ManifestName is the archive member holding the hash manifest.
const ManifestName = "META-INF/BUILDCACHE-HASHES.json"

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// maxManifestSize bounds how much of a manifest member is read (8 MiB).
const maxManifestSize = 8 << 20

// epoch is the fixed modification time stamped on every member so that the
// same inputs always produce byte-identical archives.
var epoch = time.Date(1985, time.February, 1, 0, 0, 0, 0, time.UTC)

// Manifest maps member names to their recorded fingerprints.
type Manifest struct {
	Version int                        `json:"version"`
	Entries map[string]buildcache.Hash `json:"entries"`
}

// Lookup returns the recorded fingerprint of a member.
func (m *Manifest) Lookup(member string) (buildcache.Hash, bool) {
	if m == nil {
		return buildcache.Hash{}, false
	}
	h, ok := m.Entries[member]
	return h, ok
}

// ReadManifest opens the archive at path and decodes its hash manifest.
// Returns an error wrapping buildcache.ErrUnsupported if the archive has no
// manifest, and buildcache.ErrNotFound if the archive itself is missing.
// An empty manifest member is valid and yields a manifest with no entries.
func ReadManifest(path string) (*Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive %s", buildcache.ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if f.Name != ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening manifest in %s: %w", path, err)
		}
		defer func() { _ = rc.Close() }()
		return decodeManifest(io.LimitReader(rc, maxManifestSize))
	}

	return nil, fmt.Errorf("%w: archive %s has no hash manifest", buildcache.ErrUnsupported, path)
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m := &Manifest{Version: ManifestVersion, Entries: map[string]buildcache.Hash{}}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Entries == nil {
		m.Entries = map[string]buildcache.Hash{}
	}
	return m, nil
}

// Writer produces a deterministic zip archive and records the fingerprint
// of every hashed member into the manifest written on Close.
type Writer struct {
	zw      *zip.Writer
	entries map[string]buildcache.Hash
	closed  bool
}

// NewWriter creates a Writer emitting the archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		zw:      zip.NewWriter(w),
		entries: make(map[string]buildcache.Hash),
	}
}

// WriteEntry adds a member and records its fingerprint in the manifest.
func (w *Writer) WriteEntry(name string, r io.Reader) error {
	hr := buildcache.NewHashingReader(r)
	if err := w.write(name, hr); err != nil {
		return err
	}
	w.entries[name] = hr.Sum()
	return nil
}

// WriteUnhashedEntry adds a member without recording it in the manifest.
func (w *Writer) WriteUnhashedEntry(name string, r io.Reader) error {
	return w.write(name, r)
}

func (w *Writer) write(name string, r io.Reader) error {
	if w.closed {
		return errors.New("archive writer is closed")
	}
	if name == ManifestName {
		return fmt.Errorf("member name %q is reserved", name)
	}
	dst, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: epoch,
	})
	if err != nil {
		return fmt.Errorf("creating member %s: %w", name, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("writing member %s: %w", name, err)
	}
	return nil
}

// Close writes the manifest and finishes the archive. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	// encoding/json sorts map keys, so the manifest bytes are stable.
	data, err := json.Marshal(&Manifest{Version: ManifestVersion, Entries: w.entries})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	dst, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestName,
		Method:   zip.Deflate,
		Modified: epoch,
	})
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return w.zw.Close()
}

// Members returns the names recorded in the manifest so far, sorted.
func (w *Writer) Members() []string {
	names := make([]string, 0, len(w.entries))
	for name := range w.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteFile is a convenience that creates path and writes the given members
// as hashed entries, in name order.
func WriteFile(path string, members map[string][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	w := NewWriter(f)
	for _, name := range names {
		if err := w.WriteEntry(name, bytes.NewReader(members[name])); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
