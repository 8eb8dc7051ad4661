package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/build-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEncodingTotal metric.Int64Counter

	blobWriteSize          metric.Float64Histogram
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	hashLookupsTotal   metric.Int64Counter
	hashLookupDuration metric.Float64Histogram

	keyDerivationsTotal   metric.Int64Counter
	keyDerivationDuration metric.Float64Histogram
	memoEvictionsTotal    metric.Int64Counter

	remoteRequestDuration metric.Float64Histogram
	remoteRequestsTotal   metric.Int64Counter
	remoteBytesTotal      metric.Int64Counter
	remoteFetchTotal      metric.Int64Counter
	remoteStoreTotal      metric.Int64Counter

	gcRunsTotal      metric.Int64Counter
	gcRunDuration    metric.Float64Histogram
	gcDeletedTotal   metric.Int64Counter
	gcBytesReclaimed metric.Int64Counter
	gcErrorsTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "build-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Still collect when nothing exports so instruments are never nil.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fastBuckets    = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
	gcBuckets      = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300}
	sizeBuckets    = []float64{128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc, unit string, buckets []float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
	}

	counter(&m.requestsTotal, "build_cache_http_requests_total", "Total number of HTTP requests", "{request}")
	counter(&m.responseBytesTotal, "build_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By")
	histogram(&m.requestDuration, "build_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets)
	counter(&m.requestsByEncodingTotal, "build_cache_http_requests_by_encoding_total", "Total number of protocol requests by envelope encoding (detail metric)", "{request}")

	histogram(&m.blobWriteSize, "build_cache_blob_write_size_bytes", "Size of blobs written to storage", "By", sizeBuckets)
	histogram(&m.backendRequestDuration, "build_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s", latencyBuckets)
	counter(&m.backendRequestsTotal, "build_cache_backend_requests_total", "Total number of backend storage operations", "{request}")
	counter(&m.backendBytesTotal, "build_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By")

	counter(&m.hashLookupsTotal, "build_cache_hash_lookups_total", "Total content hash cache lookups", "{lookup}")
	histogram(&m.hashLookupDuration, "build_cache_hash_lookup_duration_seconds", "Duration of content hash cache lookups", "s", fastBuckets)

	counter(&m.keyDerivationsTotal, "build_cache_key_derivations_total", "Total rule and appendable key derivations", "{key}")
	histogram(&m.keyDerivationDuration, "build_cache_key_derivation_duration_seconds", "Duration of key derivations", "s", fastBuckets)
	counter(&m.memoEvictionsTotal, "build_cache_appendable_memo_evictions_total", "Total appendable sub-keys evicted from the memo", "{entry}")

	histogram(&m.remoteRequestDuration, "build_cache_remote_request_duration_seconds", "Duration of remote cache HTTP requests", "s", latencyBuckets)
	counter(&m.remoteRequestsTotal, "build_cache_remote_requests_total", "Total remote cache HTTP requests", "{request}")
	counter(&m.remoteBytesTotal, "build_cache_remote_bytes_total", "Total envelope bytes exchanged with remote caches", "By")
	counter(&m.remoteFetchTotal, "build_cache_remote_fetch_total", "Total remote fetches by result", "{fetch}")
	counter(&m.remoteStoreTotal, "build_cache_remote_store_total", "Total remote stores by result", "{store}")

	counter(&m.gcRunsTotal, "build_cache_gc_runs_total", "Total number of GC runs", "{run}")
	histogram(&m.gcRunDuration, "build_cache_gc_run_duration_seconds", "GC run duration in seconds", "s", gcBuckets)
	counter(&m.gcDeletedTotal, "build_cache_gc_deleted_total", "Total keys and blobs removed by GC", "{item}")
	counter(&m.gcBytesReclaimed, "build_cache_gc_bytes_reclaimed_total", "Total blob bytes reclaimed by GC", "By")
	counter(&m.gcErrorsTotal, "build_cache_gc_errors_total", "Total errors encountered during GC runs", "{error}")

	if err != nil {
		return nil, err
	}
	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation, encoding and cache result are read from request tags set by
// middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	cacheResult := string(CacheBypass)
	encoding := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		encoding = tags.Encoding
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {operation, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: only for requests that decoded an envelope
	if encoding != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("encoding", encoding),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEncodingTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// RecordHashLookup records one content hash cache lookup.
// kind is "path" or "member", outcome is "hit", "miss" or "error".
func RecordHashLookup(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.hashLookupsTotal.Add(ctx, 1, attrs)
	globalMetrics.hashLookupDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordKeyDerivation records one key derivation.
// kind is "rule" or "appendable", outcome is "computed", "memo" or "error".
func RecordKeyDerivation(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.keyDerivationsTotal.Add(ctx, 1, attrs)
	globalMetrics.keyDerivationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMemoEviction records appendable sub-keys dropped from the memo.
// reason is "capacity" or "forget".
func RecordMemoEviction(ctx context.Context, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.memoEvictionsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RemoteExchange describes one HTTP exchange with a remote cache.
type RemoteExchange struct {
	Cache         string
	RequestType   string // FETCH, STORE or unknown
	Encoding      string // X-Cache-Encoding of the request
	Status        string // status class, empty without a response
	Outcome       string
	Duration      time.Duration
	BytesSent     int64
	BytesReceived int64
}

// RecordRemoteExchange records one HTTP exchange with a remote cache.
func RecordRemoteExchange(ctx context.Context, ex RemoteExchange) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("cache", ex.Cache),
		attribute.String("request_type", ex.RequestType),
		attribute.String("encoding", ex.Encoding),
		attribute.String("outcome", ex.Outcome),
	}
	if ex.Status != "" {
		attrs = append(attrs, attribute.String("status_class", ex.Status))
	}
	globalMetrics.remoteRequestDuration.Record(ctx, ex.Duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	base := []attribute.KeyValue{
		attribute.String("cache", ex.Cache),
		attribute.String("request_type", ex.RequestType),
	}
	if ex.BytesSent > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, ex.BytesSent,
			metric.WithAttributes(append(base, attribute.String("direction", "sent"))...))
	}
	if ex.BytesReceived > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, ex.BytesReceived,
			metric.WithAttributes(append(base, attribute.String("direction", "received"))...))
	}
}

// RecordRemoteFetch records the result of a remote fetch.
// result is "hit", "miss" or "error".
func RecordRemoteFetch(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.remoteFetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordRemoteStore records the result of a remote store.
// result is "stored", "rejected" or "error".
func RecordRemoteStore(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.remoteStoreTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// GCRun summarises one garbage collection pass for RecordGCRun.
type GCRun struct {
	Duration       time.Duration
	ExpiredKeys    int
	EvictedKeys    int
	OrphanBlobs    int
	BytesReclaimed int64
	Errors         int
}

// RecordGCRun records the outcome of a garbage collection pass.
func RecordGCRun(ctx context.Context, run GCRun) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gcRunsTotal.Add(ctx, 1)
	globalMetrics.gcRunDuration.Record(ctx, run.Duration.Seconds())
	for kind, n := range map[string]int{
		"expired_key": run.ExpiredKeys,
		"evicted_key": run.EvictedKeys,
		"orphan_blob": run.OrphanBlobs,
	} {
		if n > 0 {
			globalMetrics.gcDeletedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
	if run.BytesReclaimed > 0 {
		globalMetrics.gcBytesReclaimed.Add(ctx, run.BytesReclaimed)
	}
	if run.Errors > 0 {
		globalMetrics.gcErrorsTotal.Add(ctx, int64(run.Errors))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
