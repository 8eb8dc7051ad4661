// Package remote is a client for a remote artifact cache speaking the hybrid
// envelope protocol over HTTP.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/telemetry"
	"github.com/wolfeidau/build-cache/wire"
)

// DefaultEndpoint is the path artifacts are exchanged on.
const DefaultEndpoint = "/artifacts"

// Client fetches and stores artifacts. Calls share no mutable state and may
// run concurrently.
type Client struct {
	url        string
	name       string
	httpClient *http.Client
	codec      wire.Codec
	scratchDir string
	logger     *slog.Logger

	endpoint  string
	encoding  wire.Encoding
	authToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Timeouts and retries belong to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithEncoding selects the envelope header encoding (default JSON).
func WithEncoding(enc wire.Encoding) Option {
	return func(c *Client) {
		c.encoding = enc
	}
}

// WithScratchDir sets where in-progress downloads are staged. It must be on
// the same filesystem as fetch outputs for the final rename to be atomic.
// By default downloads are staged next to the output file.
func WithScratchDir(dir string) Option {
	return func(c *Client) {
		c.scratchDir = dir
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEndpoint overrides the artifact endpoint path.
func WithEndpoint(path string) Option {
	return func(c *Client) {
		c.endpoint = path
	}
}

// WithAuthToken sends token as a bearer credential on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithName names the cache in logs and metrics.
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// NewClient creates a client for the cache at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		name:     "remote",
		logger:   slog.Default(),
		endpoint: DefaultEndpoint,
		encoding: wire.EncodingJSON,
	}
	for _, opt := range opts {
		opt(c)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported cache url scheme %q", base.Scheme)
	}
	c.url = base.JoinPath(c.endpoint).String()

	c.codec, err = wire.CodecFor(c.encoding)
	if err != nil {
		return nil, err
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, c.name)}
	}
	c.logger = c.logger.With("cache", c.name)
	return c, nil
}

// URL returns the artifact endpoint URL.
func (c *Client) URL() string {
	return c.url
}

// Fetch retrieves the artifact stored under key and installs it at
// outputPath. The output is replaced atomically and only after the payload
// matched its declared checksum; on any failure it is left untouched.
func (c *Client) Fetch(ctx context.Context, key, outputPath string) Result {
	res := c.fetch(ctx, key, outputPath)
	telemetry.RecordRemoteFetch(ctx, c.name, res.Kind.String())

	switch res.Kind {
	case Hit:
		c.logger.Debug("fetched artifact", "key", key, "bytes", res.BytesWritten)
	case Miss:
		c.logger.Debug("artifact not cached", "key", key)
	case Error:
		c.logger.Warn("fetch failed", "key", key, "error", res.Err)
	}
	return res
}

func (c *Client) fetch(ctx context.Context, key, outputPath string) Result {
	var body bytes.Buffer
	if err := wire.WriteRequest(&body, c.codec, wire.NewFetchRequest(key)); err != nil {
		return failed(err)
	}

	resp, err := c.post(telemetry.WithRequestType(ctx, wire.RequestFetch), &body, int64(body.Len()))
	if err != nil {
		return failed(err)
	}
	defer func() { _ = resp.Body.Close() }()

	codec, err := c.responseCodec(resp)
	if err != nil {
		return failed(err)
	}
	env, err := wire.ReadResponse(resp.Body, codec)
	if err != nil {
		return failed(err)
	}
	if !env.WasSuccessful {
		res := failed(fmt.Errorf("%w: %s", errRemote, env.ErrorMessage))
		res.Message = env.ErrorMessage
		return res
	}
	if env.FetchResponse == nil {
		return failed(fmt.Errorf("%w: successful fetch response without fetch result", buildcache.ErrProtocol))
	}
	if !env.FetchResponse.ArtifactExists {
		return miss()
	}

	md := env.FetchResponse.Metadata
	if md.PayloadChecksum == "" {
		return failed(fmt.Errorf("%w: artifact %s metadata declares no payload checksum", buildcache.ErrProtocol, key))
	}
	expected, err := buildcache.ParseChecksum(md.PayloadChecksum)
	if err != nil {
		return failed(err)
	}

	n, err := c.install(resp.Body, env.Payloads[0].SizeBytes, expected, key, outputPath)
	if err != nil {
		return failed(err)
	}
	return hit(md, n)
}

// install stages the payload in a temp file, verifies it and renames it over
// outputPath. The temp file is removed on every path.
func (c *Client) install(r io.Reader, size int64, expected buildcache.Checksum, key, outputPath string) (int64, error) {
	dir := c.scratchDir
	if dir == "" {
		dir = filepath.Dir(outputPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating scratch directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("creating scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	sum := buildcache.NewChecksummer()
	n, err := wire.CopyPayload(io.MultiWriter(tmp, sum), r, size)
	if err != nil {
		if !errors.Is(err, buildcache.ErrProtocol) {
			err = fmt.Errorf("%w: reading payload: %w", buildcache.ErrTransport, err)
		}
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing scratch file: %w", err)
	}

	if actual := sum.Checksum(); actual != expected {
		return n, fmt.Errorf("%w: artifact %s failed checksum verification: ExpectedCRC=%s ActualCRC=%s",
			buildcache.ErrIntegrity, key, expected, actual)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return n, fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return n, fmt.Errorf("installing artifact: %w", err)
	}
	return n, nil
}

// Store uploads artifact under key. The payload checksum is computed here
// and key is added to the satisfied keys. A non-200 status is returned as an
// error; a response with wasSuccessful=false is only logged.
func (c *Client) Store(ctx context.Context, key string, artifact []byte, md wire.ArtifactMetadata) error {
	return c.store(ctx, key, bytes.NewReader(artifact), int64(len(artifact)), buildcache.ChecksumBytes(artifact), md)
}

// StoreFile uploads the file at path under key.
func (c *Client) StoreFile(ctx context.Context, key, path string, md wire.ArtifactMetadata) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum, size, err := buildcache.ChecksumReader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding artifact: %w", err)
	}
	return c.store(ctx, key, f, size, sum, md)
}

func (c *Client) store(ctx context.Context, key string, payload io.Reader, size int64, sum buildcache.Checksum, md wire.ArtifactMetadata) error {
	md.PayloadChecksum = sum.String()
	md.SatisfiedKeys = slices.Clone(md.SatisfiedKeys)
	if !slices.Contains(md.SatisfiedKeys, key) {
		md.SatisfiedKeys = append(md.SatisfiedKeys, key)
	}

	var header bytes.Buffer
	if err := wire.WriteRequest(&header, c.codec, wire.NewStoreRequest(&md, size)); err != nil {
		telemetry.RecordRemoteStore(ctx, c.name, "error")
		return err
	}

	resp, err := c.post(telemetry.WithRequestType(ctx, wire.RequestStore), io.MultiReader(&header, payload), int64(header.Len())+size)
	if err != nil {
		telemetry.RecordRemoteStore(ctx, c.name, "error")
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	codec, err := c.responseCodec(resp)
	if err != nil {
		telemetry.RecordRemoteStore(ctx, c.name, "error")
		return err
	}
	env, err := wire.ReadResponse(resp.Body, codec)
	if err != nil {
		telemetry.RecordRemoteStore(ctx, c.name, "error")
		return err
	}
	if !env.WasSuccessful {
		telemetry.RecordRemoteStore(ctx, c.name, "rejected")
		c.logger.Warn("remote cache rejected store",
			"key", key,
			"bytes", size,
			"error", env.ErrorMessage,
		)
		return nil
	}

	telemetry.RecordRemoteStore(ctx, c.name, "stored")
	c.logger.Debug("stored artifact", "key", key, "bytes", size, "checksum", md.PayloadChecksum)
	return nil
}

// errRemote marks failures the server reported in its response envelope.
var errRemote = fmt.Errorf("%w: remote cache error", buildcache.ErrTransport)

// post sends one hybrid message. Any status other than 200 is a transport
// failure; the response body is closed in that case.
func (c *Client) post(ctx context.Context, body io.Reader, length int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set(wire.EncodingHeader, string(c.codec.Encoding()))
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", buildcache.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d %s", buildcache.ErrTransport, resp.StatusCode, c.url)
	}
	return resp, nil
}

// responseCodec decodes with the encoding the server declared, falling back
// to the request encoding.
func (c *Client) responseCodec(resp *http.Response) (wire.Codec, error) {
	enc := strings.TrimSpace(resp.Header.Get(wire.EncodingHeader))
	if enc == "" || wire.Encoding(enc) == c.codec.Encoding() {
		return c.codec, nil
	}
	return wire.CodecFor(wire.Encoding(enc))
}
