package rulekey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/hashcache"
	"github.com/wolfeidau/build-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultMemoCapacity is the number of unpinned appendable sub-keys kept.
const DefaultMemoCapacity = 4096

// FileHasher resolves paths to content fingerprints. *hashcache.Cache
// implements it.
type FileHasher interface {
	Get(ctx context.Context, p hashcache.Path) (buildcache.Hash, error)
}

// Engine creates builders and owns the appendable sub-key memo. It is safe
// for concurrent use and intended to live for one build session.
type Engine struct {
	hashes FileHasher
	logger *slog.Logger
	memo   *memo
	group  singleflight.Group

	// waits records, for each appendable being derived, the appendable it is
	// currently blocked on. It is used to detect derivation cycles.
	waitMu sync.Mutex
	waits  map[memoKey]memoKey
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMemoCapacity bounds the number of unpinned sub-keys retained.
func WithMemoCapacity(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.memo.capacity = n
		}
	}
}

// New creates an Engine that resolves path fields with hashes.
func New(hashes FileHasher, opts ...Option) *Engine {
	e := &Engine{
		hashes: hashes,
		logger: slog.Default(),
		memo:   newMemo(DefaultMemoCapacity),
		waits:  make(map[memoKey]memoKey),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewBuilder returns a builder for rule under seed.
func (e *Engine) NewBuilder(ctx context.Context, seed Seed, rule Rule) *Builder {
	return newBuilder(ctx, e, seed, rule, nil)
}

// Key builds the key of a rule that appends its own fields.
func (e *Engine) Key(ctx context.Context, seed Seed, rule KeyedRule) (Key, error) {
	b := e.NewBuilder(ctx, seed, rule)
	rule.AppendToKey(b)
	return b.Build()
}

// Forget drops the memoized sub-keys of the appendable with the given id.
func (e *Engine) Forget(id ID) {
	n := e.memo.forget(id)
	telemetry.RecordMemoEviction(context.Background(), "forget", n)
}

// MemoLen returns the number of memoized sub-keys.
func (e *Engine) MemoLen() int {
	return e.memo.len()
}

// derive returns the sub-key derivation of a under k, computing it at most
// once across concurrent callers. A memoized derivation is reused only while
// every path it read still has the same fingerprint. The returned derivation
// is pinned.
func (e *Engine) derive(ctx context.Context, parent *Builder, k memoKey, a Appendable) (*derivation, error) {
	start := time.Now()

	if d, ok := e.memo.acquire(k); ok {
		if e.current(ctx, d) {
			telemetry.RecordKeyDerivation(ctx, "appendable", "memo", time.Since(start))
			return d, nil
		}
		e.memo.discard(k, d)
		telemetry.RecordMemoEviction(ctx, "stale", 1)
		e.logger.Debug("appendable key stale", slog.Uint64("id", uint64(k.id)))
	}

	if parent.self != nil {
		if err := e.waitFor(*parent.self, k); err != nil {
			return nil, err
		}
		defer e.doneWaiting(*parent.self)
	}

	ch := e.group.DoChan(k.String(), func() (any, error) {
		if d, ok := e.memo.peek(k); ok && e.current(ctx, d) {
			return d, nil
		}

		child := newBuilder(context.WithoutCancel(ctx), e, k.seed, nil, &k)
		a.AppendToKey(child)
		key, err := child.finish()
		e.release(child.pinned)
		if err != nil {
			return nil, err
		}

		d := &derivation{
			key:    key,
			owners: child.owners,
			reads:  child.reads,
		}
		evicted := e.memo.publish(k, d)
		telemetry.RecordMemoEviction(ctx, "capacity", evicted)
		e.logger.Debug("derived appendable key",
			slog.Uint64("id", uint64(k.id)),
			slog.String("key", key.ShortString()),
		)
		return d, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordKeyDerivation(ctx, "appendable", "error", time.Since(start))
			return nil, res.Err
		}
		d := res.Val.(*derivation)
		e.memo.pin(k, d)
		telemetry.RecordKeyDerivation(ctx, "appendable", "computed", time.Since(start))
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// current reports whether every path d read still resolves to the
// fingerprint it had when d was derived.
func (e *Engine) current(ctx context.Context, d *derivation) bool {
	for _, r := range d.reads {
		h, err := e.hashes.Get(ctx, r.path)
		if err != nil || h != r.hash {
			return false
		}
	}
	return true
}

// waitFor records that the derivation of self is about to block on target,
// failing if target is already (transitively) waiting on self.
func (e *Engine) waitFor(self, target memoKey) error {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()

	cur := target
	for range len(e.waits) + 1 {
		if cur == self {
			return fmt.Errorf("%w: appendable %d contributes to its own key", buildcache.ErrConsistency, self.id)
		}
		next, ok := e.waits[cur]
		if !ok {
			break
		}
		cur = next
	}
	e.waits[self] = target
	return nil
}

func (e *Engine) doneWaiting(self memoKey) {
	e.waitMu.Lock()
	delete(e.waits, self)
	e.waitMu.Unlock()
}

// release unpins sub-keys held by a finished builder.
func (e *Engine) release(subs []pinnedSub) {
	evicted := 0
	for _, s := range subs {
		evicted += e.memo.release(s.key, s.d)
	}
	telemetry.RecordMemoEviction(context.Background(), "capacity", evicted)
}
