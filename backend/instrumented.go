package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/build-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records the open immediately and the bytes served when the reader is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{ctx: ctx, ib: ib, rc: rc, start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	ctx    context.Context
	ib     *InstrumentedBackend
	rc     io.ReadCloser
	start  time.Time
	n      int64
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rc.Close()
	telemetry.RecordBackendOp(c.ctx, c.ib.name, "read", outcomeFromError(err), time.Since(c.start), c.n)
	return err
}

var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
)
