package buildcache

import (
	_ "crypto/sha256"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Checksum is the integrity value carried with an artifact payload, in OCI
// digest form ("sha256:<hex>").
type Checksum = digest.Digest

// ChecksumBytes computes the checksum of an in-memory payload.
func ChecksumBytes(data []byte) Checksum {
	return digest.Canonical.FromBytes(data)
}

// ChecksumReader computes the checksum of everything read from r and
// returns it with the number of bytes consumed.
func ChecksumReader(r io.Reader) (Checksum, int64, error) {
	c := NewChecksummer()
	n, err := io.Copy(c, r)
	if err != nil {
		return "", n, fmt.Errorf("checksumming payload: %w", err)
	}
	return c.Checksum(), n, nil
}

// ParseChecksum validates a checksum string received from a peer.
func ParseChecksum(s string) (Checksum, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid payload checksum %q: %v", ErrProtocol, s, err)
	}
	return d, nil
}

// Checksummer accumulates a payload checksum as bytes are written to it.
// Typically combined with a file via io.MultiWriter.
type Checksummer struct {
	d digest.Digester
	n int64
}

// NewChecksummer creates a Checksummer using the canonical algorithm.
func NewChecksummer() *Checksummer {
	return &Checksummer{d: digest.Canonical.Digester()}
}

// Write implements io.Writer. It never fails.
func (c *Checksummer) Write(p []byte) (int, error) {
	n, _ := c.d.Hash().Write(p)
	c.n += int64(n)
	return n, nil
}

// Checksum returns the checksum of all bytes written so far.
func (c *Checksummer) Checksum() Checksum {
	return c.d.Digest()
}

// BytesWritten returns the number of bytes written.
func (c *Checksummer) BytesWritten() int64 {
	return c.n
}
