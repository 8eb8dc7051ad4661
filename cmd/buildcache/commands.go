package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/build-cache/hashcache"
	"github.com/wolfeidau/build-cache/remote"
	"github.com/wolfeidau/build-cache/rulekey"
	"github.com/wolfeidau/build-cache/server"
	"github.com/wolfeidau/build-cache/telemetry"
	"github.com/wolfeidau/build-cache/wire"
)

// ServeCmd runs the reference server.
type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080" env:"BUILDCACHE_ADDRESS"`
	Storage         string        `help:"Storage directory." default:"./cache" env:"BUILDCACHE_STORAGE" type:"path"`
	AuthToken       string        `help:"Require this bearer token." env:"BUILDCACHE_AUTH_TOKEN"`
	MaxPayloadBytes int64         `help:"Largest accepted artifact in bytes." default:"1073741824" env:"BUILDCACHE_MAX_PAYLOAD_BYTES"`
	OTLPEndpoint    string        `help:"OTLP gRPC endpoint for metrics (host:port)." env:"BUILDCACHE_OTLP_ENDPOINT"`
	Prometheus      bool          `help:"Serve Prometheus metrics on /metrics." env:"BUILDCACHE_PROMETHEUS"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests." default:"10s"`
	CacheTTL        time.Duration `help:"Expire rule keys older than this (0 keeps forever)." env:"BUILDCACHE_CACHE_TTL"`
	CacheMaxBytes   int64         `help:"Evict oldest keys once stored blobs exceed this many bytes (0 is unbounded)." env:"BUILDCACHE_CACHE_MAX_BYTES"`
	GCInterval      time.Duration `help:"Background garbage collection interval." default:"1h" env:"BUILDCACHE_GC_INTERVAL"`
	GCStartupDelay  time.Duration `help:"Delay before the first garbage collection." default:"5m" env:"BUILDCACHE_GC_STARTUP_DELAY"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "build-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			g.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:         c.Address,
		StoragePath:     c.Storage,
		AuthToken:       c.AuthToken,
		MaxPayloadBytes: c.MaxPayloadBytes,
		CacheTTL:        c.CacheTTL,
		CacheMaxBytes:   c.CacheMaxBytes,
		GCInterval:      c.GCInterval,
		GCStartupDelay:  c.GCStartupDelay,
		Logger:          g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		_ = srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// HashCmd prints content hashes.
type HashCmd struct {
	Root  string   `help:"Project root that relative paths are resolved against." default:"." type:"path"`
	Paths []string `arg:"" help:"Paths to hash; use archive.jar!member for archive members."`
}

func (c *HashCmd) Run(ctx context.Context, g *Globals) error {
	cache, err := hashcache.New(c.Root, hashcache.WithLogger(g.logger))
	if err != nil {
		return err
	}
	for _, s := range c.Paths {
		h, err := cache.Get(ctx, hashcache.ParsePath(s))
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", h, s)
	}
	return nil
}

// KeyCmd computes a rule key. Fields are applied in the order given:
// name=value adds a string, name=@path adds a content hash.
type KeyCmd struct {
	Root   string   `help:"Project root that relative paths are resolved against." default:"." type:"path"`
	Seed   uint64   `help:"Key seed, bumped to invalidate every key."`
	Rule   string   `arg:"" help:"Rule name."`
	Fields []string `arg:"" optional:"" help:"Ordered name=value or name=@path fields."`
}

func (c *KeyCmd) Run(ctx context.Context, g *Globals) error {
	cache, err := hashcache.New(c.Root, hashcache.WithLogger(g.logger))
	if err != nil {
		return err
	}
	engine := rulekey.New(cache, rulekey.WithLogger(g.logger))

	b := engine.NewBuilder(ctx, rulekey.Seed(c.Seed), &rulekey.Target{Label: c.Rule})
	for _, f := range c.Fields {
		name, value, err := parseField(f)
		if err != nil {
			return err
		}
		b.Set(name, value)
	}

	key, err := b.Build()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func parseField(s string) (string, rulekey.Value, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", rulekey.Value{}, fmt.Errorf("field %q is not name=value", s)
	}
	if p, ok := strings.CutPrefix(raw, "@"); ok {
		return name, rulekey.Path(hashcache.ParsePath(p)), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return name, rulekey.Int(i), nil
	}
	return name, rulekey.String(raw), nil
}

// RemoteFlags configure the client for fetch and store.
type RemoteFlags struct {
	URL       string        `help:"Cache base URL." required:"" env:"BUILDCACHE_URL"`
	Encoding  string        `help:"Envelope encoding (json, binary)." default:"json" enum:"json,binary" env:"BUILDCACHE_ENCODING"`
	AuthToken string        `help:"Bearer token." env:"BUILDCACHE_AUTH_TOKEN"`
	Timeout   time.Duration `help:"Request timeout." default:"5m"`
}

func (f *RemoteFlags) client(g *Globals) (*remote.Client, error) {
	return remote.NewClient(f.URL,
		remote.WithEncoding(wire.Encoding(f.Encoding)),
		remote.WithAuthToken(f.AuthToken),
		remote.WithLogger(g.logger),
		remote.WithHTTPClient(&http.Client{
			Timeout:   f.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "remote"),
		}),
	)
}

// FetchCmd fetches one artifact.
type FetchCmd struct {
	RemoteFlags `embed:""`

	Key    string `arg:"" help:"Rule key."`
	Output string `arg:"" help:"Where to install the artifact." type:"path"`
}

func (c *FetchCmd) Run(ctx context.Context, g *Globals) error {
	client, err := c.client(g)
	if err != nil {
		return err
	}
	res := client.Fetch(ctx, c.Key, c.Output)
	switch res.Kind {
	case remote.Hit:
		fmt.Printf("hit %s (%d bytes, target %q)\n", c.Key, res.BytesWritten, res.Metadata.Target)
		return nil
	case remote.Miss:
		fmt.Printf("miss %s\n", c.Key)
		return nil
	default:
		return res.Err
	}
}

// StoreCmd uploads one file.
type StoreCmd struct {
	RemoteFlags `embed:""`

	Target     string            `help:"Rule target the artifact was built for."`
	Repository string            `help:"Repository the artifact belongs to."`
	Tag        map[string]string `help:"Metadata tags (k=v)."`
	Also       []string          `help:"Additional keys the artifact satisfies."`

	Key  string `arg:"" help:"Rule key."`
	File string `arg:"" help:"Artifact file." type:"existingfile"`
}

func (c *StoreCmd) Run(ctx context.Context, g *Globals) error {
	client, err := c.client(g)
	if err != nil {
		return err
	}
	return client.StoreFile(ctx, c.Key, c.File, wire.ArtifactMetadata{
		Target:        c.Target,
		Repository:    c.Repository,
		SatisfiedKeys: c.Also,
		Tags:          c.Tag,
	})
}
