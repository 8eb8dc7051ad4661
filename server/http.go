// Package server is a reference cache server speaking the hybrid envelope
// protocol. Payloads live in content-addressable storage and rule keys are
// indexed in bbolt.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/backend"
	"github.com/wolfeidau/build-cache/store"
	"github.com/wolfeidau/build-cache/store/gc"
	"github.com/wolfeidau/build-cache/store/index"
	"github.com/wolfeidau/build-cache/telemetry"
	"github.com/wolfeidau/build-cache/wire"
)

// DefaultMaxPayloadBytes bounds a single stored artifact.
const DefaultMaxPayloadBytes = 1 << 30

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath holds the blob store and the key index.
	StoragePath string

	// AuthToken, when set, is required as a bearer token on every request
	// except /health and /metrics.
	AuthToken string

	// MaxPayloadBytes rejects larger stores. Defaults to DefaultMaxPayloadBytes.
	MaxPayloadBytes int64

	// NoSync disables index fsync. Only for tests.
	NoSync bool

	// CacheTTL expires rule keys stored longer ago. Zero keeps them forever.
	CacheTTL time.Duration

	// CacheMaxBytes evicts the oldest keys once referenced blobs exceed it.
	CacheMaxBytes int64

	// GCInterval is the background collection period (default 1h).
	GCInterval time.Duration

	// GCStartupDelay postpones the first background run (default 0).
	GCStartupDelay time.Duration

	Logger *slog.Logger
}

// Server is the HTTP server for the build cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	backend backend.Backend
	store   store.Store
	index   *index.Index
	gc      *gc.Manager
}

// New creates a server, opening storage under cfg.StoragePath.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	spool := filepath.Join(cfg.StoragePath, "tmp")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	idx, err := index.Open(filepath.Join(cfg.StoragePath, "index.db"),
		index.WithLogger(cfg.Logger.With("component", "index")),
		index.WithNoSync(cfg.NoSync),
	)
	if err != nil {
		return nil, err
	}

	cafs := store.NewCAFS(instrumented, store.WithTempDir(spool))

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		backend: instrumented,
		store:   cafs,
		index:   idx,
		gc: gc.New(idx, cafs, gc.Config{
			Interval:      cfg.GCInterval,
			StartupDelay:  cfg.GCStartupDelay,
			TTL:           cfg.CacheTTL,
			MaxCacheBytes: cfg.CacheMaxBytes,
		}, gc.WithLogger(cfg.Logger.With("component", "gc"))),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's routes wrapped in logging and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /admin/gc", s.handleGCRun)
	mux.HandleFunc("GET /admin/gc/status", s.handleGCStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	index.Stats
	Blobs int `json:"blobs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "stats")

	st, err := s.index.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	blobs, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, statsResponse{Stats: st, Blobs: len(blobs)})
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "gc_run")
	writeJSON(w, s.gc.RunNow(r.Context()))
}

type gcStatusResponse struct {
	LastRun *gc.Result `json:"last_run"`
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "gc_status")
	writeJSON(w, gcStatusResponse{LastRun: s.gc.Status()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleArtifacts answers one hybrid envelope. Malformed envelopes get 400.
// Application failures are reported in the envelope with status 200.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	codec, err := wire.CodecFor(wire.Encoding(r.Header.Get(wire.EncodingHeader)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.SetEncoding(r, string(codec.Encoding()))

	req, err := wire.ReadRequest(r.Body, codec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", wire.ContentType)
	w.Header().Set(wire.EncodingHeader, string(codec.Encoding()))

	switch req.Type {
	case wire.RequestFetch:
		telemetry.SetOperation(r, "fetch")
		s.handleFetch(w, r, codec, req.FetchRequest.RuleKey)
	case wire.RequestStore:
		telemetry.SetOperation(r, "store")
		s.handleStore(w, r, codec, req)
	default:
		http.Error(w, fmt.Sprintf("unsupported request type %d", req.Type), http.StatusBadRequest)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, codec wire.Codec, key string) {
	ctx := r.Context()
	miss := &wire.Response{WasSuccessful: true, FetchResponse: &wire.FetchResponse{}}

	rec, err := s.index.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeResponse(w, codec, miss)
		return
	}
	if err != nil {
		s.logger.Error("index lookup failed", "key", key, "error", err)
		s.writeResponse(w, codec, &wire.Response{ErrorMessage: err.Error()})
		return
	}

	blob, err := s.store.Get(ctx, rec.Blob)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("index references missing blob", "key", key, "blob", rec.Blob.ShortString())
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeResponse(w, codec, miss)
		return
	}
	if err != nil {
		s.logger.Error("reading blob failed", "key", key, "error", err)
		s.writeResponse(w, codec, &wire.Response{ErrorMessage: err.Error()})
		return
	}
	defer func() { _ = blob.Close() }()

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	if !s.writeResponse(w, codec, &wire.Response{
		WasSuccessful: true,
		FetchResponse: &wire.FetchResponse{ArtifactExists: true, Metadata: rec.Metadata},
		Payloads:      []wire.PayloadInfo{{SizeBytes: rec.Size}},
	}) {
		return
	}
	if _, err := io.Copy(w, blob); err != nil {
		s.logger.Warn("streaming payload failed", "key", key, "error", err)
	}
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request, codec wire.Codec, req *wire.Request) {
	ctx := r.Context()
	md := req.StoreRequest.Metadata
	size := req.Payloads[0].SizeBytes

	reject := func(msg string, args ...any) {
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		s.logger.Warn("store rejected", "keys", md.SatisfiedKeys, "reason", fmt.Sprintf(msg, args...))
		s.writeResponse(w, codec, &wire.Response{ErrorMessage: fmt.Sprintf(msg, args...)})
	}

	if size > s.config.MaxPayloadBytes {
		reject("payload of %d bytes exceeds limit of %d", size, s.config.MaxPayloadBytes)
		return
	}
	expect, err := buildcache.ParseChecksum(md.PayloadChecksum)
	if err != nil {
		reject("%v", err)
		return
	}

	payload := &exactReader{r: r.Body, remaining: size}
	res, err := s.store.Put(ctx, payload, expect)
	if err != nil {
		switch {
		case errors.Is(err, buildcache.ErrProtocol):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, buildcache.ErrIntegrity):
			reject("%v", err)
		default:
			s.logger.Error("storing payload failed", "error", err)
			s.writeResponse(w, codec, &wire.Response{ErrorMessage: err.Error()})
		}
		return
	}

	if err := s.index.Put(ctx, &index.Record{Blob: res.Hash, Size: res.Size, Metadata: md}); err != nil {
		s.logger.Error("indexing artifact failed", "error", err)
		s.writeResponse(w, codec, &wire.Response{ErrorMessage: err.Error()})
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheNA)
	s.logger.Debug("stored artifact",
		"keys", md.SatisfiedKeys,
		"blob", res.Hash.ShortString(),
		"bytes", res.Size,
		"deduplicated", res.Exists,
	)
	s.writeResponse(w, codec, &wire.Response{WasSuccessful: true})
}

// writeResponse writes the response header and reports whether it succeeded.
func (s *Server) writeResponse(w http.ResponseWriter, codec wire.Codec, resp *wire.Response) bool {
	if err := wire.WriteResponse(w, codec, resp); err != nil {
		s.logger.Warn("writing response failed", "error", err)
		return false
	}
	return true
}

// exactReader yields exactly remaining bytes from r. Running out early is a
// protocol error.
type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if e.remaining > 0 {
			return n, fmt.Errorf("%w: payload truncated, %d bytes missing", buildcache.ErrProtocol, e.remaining)
		}
		err = nil
	}
	return n, err
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Encoding != "" {
			attrs = append(attrs, "encoding", tags.Encoding)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts background garbage collection and serves until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "storage", s.config.StoragePath)
	s.gc.Start(context.Background())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waits for any GC run and closes
// storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.httpServer.Shutdown(ctx)
	gcErr := s.gc.Stop(ctx)
	return errors.Join(err, gcErr, s.Close())
}

// Close stops background GC and releases storage without touching the
// listener.
func (s *Server) Close() error {
	return errors.Join(s.gc.Stop(context.Background()), s.index.Close())
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter captures the status code and bytes written.
// It preserves http.Flusher and http.Hijacker.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
