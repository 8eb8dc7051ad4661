package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/build-cache/wire"
)

// Remote exchange outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeTransportError  = "transport_error"  // any status other than 200
	OutcomeConnectionError = "connection_error" // no response at all
	OutcomeCanceled        = "canceled"
	OutcomeTruncated       = "truncated" // 200 but the body ended early
)

type requestTypeKey struct{}

// WithRequestType labels requests sent with ctx as carrying an envelope of
// type t, so the transport can attribute them.
func WithRequestType(ctx context.Context, t wire.RequestType) context.Context {
	return context.WithValue(ctx, requestTypeKey{}, t)
}

func requestTypeFrom(ctx context.Context) string {
	if t, ok := ctx.Value(requestTypeKey{}).(wire.RequestType); ok {
		return t.String()
	}
	return "unknown"
}

// InstrumentedTransport records every hybrid envelope exchange with a remote
// cache: its request type and encoding, the outcome as the client classifies
// it, and the bytes sent and received.
type InstrumentedTransport struct {
	base  http.RoundTripper
	cache string
}

// NewInstrumentedTransport creates a transport for the named remote cache.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, cache string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, cache: cache}
}

// RoundTrip implements http.RoundTripper. Successful exchanges are recorded
// when the response body is closed.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := RemoteExchange{
		Cache:       t.cache,
		RequestType: requestTypeFrom(req.Context()),
		Encoding:    req.Header.Get(wire.EncodingHeader),
	}
	if req.ContentLength > 0 {
		ex.BytesSent = req.ContentLength
	}
	if ex.Encoding == "" {
		ex.Encoding = "none"
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		ex.Outcome = OutcomeConnectionError
		if req.Context().Err() != nil {
			ex.Outcome = OutcomeCanceled
		}
		ex.Duration = time.Since(start)
		RecordRemoteExchange(req.Context(), ex)
		return nil, err
	}

	ex.Status = StatusClass(resp.StatusCode)
	ex.Outcome = OutcomeOK
	if resp.StatusCode != http.StatusOK {
		ex.Outcome = OutcomeTransportError
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		start:      start,
		expect:     resp.ContentLength,
		ex:         ex,
	}
	return resp, nil
}

// instrumentedBody counts the bytes received and records the exchange on
// the first Close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	start    time.Time
	expect   int64 // -1 when unknown
	ex       RemoteExchange
	eof      bool
	readErr  bool
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.ex.BytesReceived += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil:
		b.readErr = true
	}
	return n, err
}

// truncated reports whether a 200 response ended before its declared length.
// A body closed early without a read error is a client choice, not a fault.
func (b *instrumentedBody) truncated() bool {
	if b.readErr {
		return true
	}
	return b.eof && b.expect >= 0 && b.ex.BytesReceived < b.expect
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		if b.ex.Outcome == OutcomeOK && b.truncated() {
			b.ex.Outcome = OutcomeTruncated
		}
		b.ex.Duration = time.Since(b.start)
		RecordRemoteExchange(b.ctx, b.ex)
	}
	return b.ReadCloser.Close()
}
