package buildcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a content fingerprint in bytes (BLAKE3-256).
const HashSize = 32

// Hash is a content fingerprint of a file, directory or archive member.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes fingerprints the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader fingerprints everything read from r.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// Hasher is an incremental BLAKE3 hasher with helpers for writing
// unambiguous, length-prefixed fields. Directory fingerprints and rule
// keys are both built on it.
type Hasher struct {
	h   *blake3.Hasher
	buf [8]byte
}

// NewHasher creates a new Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// NewDerivedHasher creates a Hasher in BLAKE3's key derivation mode for
// context. Its sums never coincide with plain content fingerprints or with
// hashers for a different context.
func NewDerivedHasher(context string) *Hasher {
	return &Hasher{h: blake3.NewDeriveKey(context)}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// WriteUint64 writes v as 8 big-endian bytes.
func (h *Hasher) WriteUint64(v uint64) {
	binary.BigEndian.PutUint64(h.buf[:], v)
	_, _ = h.h.Write(h.buf[:])
}

// WriteByte writes a single byte.
func (h *Hasher) WriteByte(b byte) error {
	h.buf[0] = b
	_, err := h.h.Write(h.buf[:1])
	return err
}

// WriteField writes len(p) followed by p.
func (h *Hasher) WriteField(p []byte) {
	h.WriteUint64(uint64(len(p)))
	_, _ = h.h.Write(p)
}

// WriteString writes a length-prefixed string.
func (h *Hasher) WriteString(s string) {
	h.WriteUint64(uint64(len(s)))
	_, _ = io.WriteString(h.h, s)
}

// WriteHash writes the raw bytes of a hash. Hashes are fixed size so no
// length prefix is needed.
func (h *Hasher) WriteHash(v Hash) {
	_, _ = h.h.Write(v[:])
}

// Sum returns the current hash without resetting the hasher.
func (h *Hasher) Sum() Hash {
	var hash Hash
	h.h.Sum(hash[:0])
	return hash
}

// Reset resets the hasher to its initial state.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// HashingReader wraps a reader and fingerprints data as it is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
