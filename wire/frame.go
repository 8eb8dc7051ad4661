package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	buildcache "github.com/wolfeidau/build-cache"
)

// MaxHeaderSize is the maximum allowed size of an encoded header (1 MiB).
const MaxHeaderSize = 1 << 20

// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
var ErrHeaderTooLarge = fmt.Errorf("%w: header exceeds maximum size", buildcache.ErrProtocol)

// writeHeader writes HDRLEN | HDRBYTES.
func writeHeader(w io.Writer, header []byte) error {
	if len(header) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header))) //nolint:gosec // bounds-checked above
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// readHeader reads HDRLEN | HDRBYTES and leaves r positioned at the first
// payload byte.
func readHeader(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %w", buildcache.ErrProtocol, err)
	}

	headerLen := binary.BigEndian.Uint32(lenBuf[:])
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", buildcache.ErrProtocol, err)
	}
	return header, nil
}

// WriteRequest writes the framed request header. The caller writes the
// declared payloads afterwards.
func WriteRequest(w io.Writer, c Codec, req *Request) error {
	header, err := c.MarshalRequest(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return writeHeader(w, header)
}

// ReadRequest reads and validates a framed request header. r is left at the
// start of the first payload.
func ReadRequest(r io.Reader, c Codec) (*Request, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	req, err := c.UnmarshalRequest(header)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteResponse writes the framed response header.
func WriteResponse(w io.Writer, c Codec, resp *Response) error {
	header, err := c.MarshalResponse(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return writeHeader(w, header)
}

// ReadResponse reads and validates a framed response header.
func ReadResponse(r io.Reader, c Codec) (*Response, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	resp, err := c.UnmarshalResponse(header)
	if err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// CopyPayload copies exactly size bytes of one payload from r to w. A short
// payload is a protocol error.
func CopyPayload(w io.Writer, r io.Reader, size int64) (int64, error) {
	n, err := io.CopyN(w, r, size)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: payload truncated after %d of %d bytes", buildcache.ErrProtocol, n, size)
	}
	return n, err
}
