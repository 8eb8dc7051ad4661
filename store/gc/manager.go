// Package gc expires old rule keys and reclaims blobs nothing references.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/store"
	"github.com/wolfeidau/build-cache/store/index"
	"github.com/wolfeidau/build-cache/telemetry"
)

// Config configures the GC manager.
type Config struct {
	Interval      time.Duration // How often to run (default: 1h)
	StartupDelay  time.Duration // Delay before first run (default: 5m)
	TTL           time.Duration // Keys stored longer ago expire; zero disables
	MaxCacheBytes int64         // Evict oldest keys above this; zero disables
	BatchSize     int           // Max keys expired per run (default: 1000)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		StartupDelay: 5 * time.Minute,
		BatchSize:    1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	ExpiredKeys        int           `json:"expired_keys"`
	EvictedKeys        int           `json:"evicted_keys"`
	OrphanBlobsDeleted int           `json:"orphan_blobs_deleted"`
	BytesReclaimed     int64         `json:"bytes_reclaimed"`
	Errors             []string      `json:"errors,omitempty"`
}

// Manager runs garbage collection over the key index and blob store.
type Manager struct {
	index  *index.Index
	store  store.Store
	config Config
	logger *slog.Logger
	now    func() time.Time

	// runMu serialises runs; candidates carries orphans between them.
	runMu      sync.Mutex
	candidates map[buildcache.Hash]struct{}

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the clock used for TTL decisions.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new GC manager. Zero config fields take their defaults.
func New(idx *index.Index, st store.Store, config Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	m := &Manager{
		index:  idx,
		store:  st,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops the background goroutine and waits for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs a GC run immediately, waiting for any run in progress.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runGC(ctx)
}

// Status returns the last GC run result, or nil before the first run.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"ttl", m.config.TTL,
		"max_cache_bytes", m.config.MaxCacheBytes,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		return
	case <-ctx.Done():
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			return
		}
	}
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{StartedAt: m.now()}
	start := time.Now()

	m.phaseExpire(ctx, result)
	m.phaseEvict(ctx, result)
	m.phaseDeleteOrphans(ctx, result)

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	telemetry.RecordGCRun(ctx, telemetry.GCRun{
		Duration:       result.Duration,
		ExpiredKeys:    result.ExpiredKeys,
		EvictedKeys:    result.EvictedKeys,
		OrphanBlobs:    result.OrphanBlobsDeleted,
		BytesReclaimed: result.BytesReclaimed,
		Errors:         len(result.Errors),
	})

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"expired_keys", result.ExpiredKeys,
		"evicted_keys", result.EvictedKeys,
		"orphan_blobs_deleted", result.OrphanBlobsDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}
