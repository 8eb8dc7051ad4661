package index

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum record size before compression is
	// attempted. zstd framing costs more than it saves below this.
	CompressionThreshold = 2048

	// MaxRecordSize caps both encoded and decompressed records.
	MaxRecordSize = 1 << 20
)

// Leading byte of every stored value.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrDecompressionBomb is returned when a stored record inflates past MaxRecordSize.
	ErrDecompressionBomb = errors.New("decompressed record exceeds maximum size")
)

// recordCodec wraps encoded records in a one byte encoding envelope,
// compressing large ones. The zstd encoder and decoder are goroutine-safe and
// shared.
type recordCodec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newRecordCodec() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &recordCodec{encoder: enc, decoder: dec}, nil
}

func (c *recordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *recordCodec) encode(data []byte) ([]byte, error) {
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			out := enc.EncodeAll(data, []byte{encodingZstd})
			if len(out)-1 < len(data) {
				return out, nil
			}
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, encodingIdentity)
	return append(out, data...), nil
}

func (c *recordCodec) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errors.New("empty record")
	}
	switch value[0] {
	case encodingIdentity:
		return value[1:], nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported record encoding %d", value[0])
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder closed")
	}

	out, err := dec.DecodeAll(value[1:], nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrDecompressionBomb
		}
		return nil, fmt.Errorf("decompressing record: %w", err)
	}
	if len(out) > MaxRecordSize {
		return nil, ErrDecompressionBomb
	}
	return out, nil
}
