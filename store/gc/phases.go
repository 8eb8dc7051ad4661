package gc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/store"
	"github.com/wolfeidau/build-cache/store/index"
)

var errStopScan = errors.New("stop scan")

type keyRef struct {
	key      string
	blob     buildcache.Hash
	size     int64
	storedAt time.Time
}

func (m *Manager) fail(result *Result, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	result.Errors = append(result.Errors, msg)
	m.logger.Error("gc error", "error", msg)
}

// scanKeys collects up to limit keys accepted by keep. A limit of zero means no limit.
func (m *Manager) scanKeys(ctx context.Context, limit int, keep func(*index.Record) bool) ([]keyRef, error) {
	var refs []keyRef
	err := m.index.Scan(ctx, func(key string, rec *index.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if keep(rec) {
			refs = append(refs, keyRef{key: key, blob: rec.Blob, size: rec.Size, storedAt: rec.StoredAt})
			if limit > 0 && len(refs) >= limit {
				return errStopScan
			}
		}
		return nil
	})
	if errors.Is(err, errStopScan) {
		err = nil
	}
	return refs, err
}

// phaseExpire deletes keys stored before now minus TTL.
func (m *Manager) phaseExpire(ctx context.Context, result *Result) {
	if m.config.TTL <= 0 {
		return
	}
	m.logger.Debug("phase: expire keys")

	cutoff := m.now().Add(-m.config.TTL)
	expired, err := m.scanKeys(ctx, m.config.BatchSize, func(rec *index.Record) bool {
		return rec.StoredAt.Before(cutoff)
	})
	if err != nil {
		m.fail(result, "scan expired keys: %v", err)
		return
	}

	for _, ref := range expired {
		removed, err := m.index.DeleteIf(ctx, ref.key, ref.blob, ref.storedAt)
		if err != nil {
			m.fail(result, "delete expired key %s: %v", ref.key, err)
			continue
		}
		if removed {
			result.ExpiredKeys++
			m.logger.Debug("expired key", "key", ref.key, "stored_at", ref.storedAt)
		}
	}
}

// phaseEvict deletes the oldest keys while the bytes of distinct referenced
// blobs exceed MaxCacheBytes. Blobs freed here are reclaimed by the orphan
// phase on a later run.
func (m *Manager) phaseEvict(ctx context.Context, result *Result) {
	if m.config.MaxCacheBytes <= 0 {
		return
	}
	m.logger.Debug("phase: evict oldest keys")

	refs, err := m.scanKeys(ctx, 0, func(*index.Record) bool { return true })
	if err != nil {
		m.fail(result, "scan keys: %v", err)
		return
	}

	refCount := make(map[buildcache.Hash]int)
	var total int64
	for _, ref := range refs {
		if refCount[ref.blob] == 0 {
			total += ref.size
		}
		refCount[ref.blob]++
	}
	if total <= m.config.MaxCacheBytes {
		return
	}

	slices.SortStableFunc(refs, func(a, b keyRef) int {
		return a.storedAt.Compare(b.storedAt)
	})

	for _, ref := range refs {
		if total <= m.config.MaxCacheBytes || ctx.Err() != nil {
			return
		}
		removed, err := m.index.DeleteIf(ctx, ref.key, ref.blob, ref.storedAt)
		if err != nil {
			m.fail(result, "evict key %s: %v", ref.key, err)
			continue
		}
		if !removed {
			continue
		}
		result.EvictedKeys++
		refCount[ref.blob]--
		if refCount[ref.blob] == 0 {
			total -= ref.size
		}
	}
}

// phaseDeleteOrphans deletes blobs no key references. A blob must be
// unreferenced on two consecutive runs, so a store that has written its blob
// but not yet indexed it survives.
func (m *Manager) phaseDeleteOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: delete orphan blobs")

	blobs, err := m.store.List(ctx)
	if err != nil {
		m.fail(result, "list blobs: %v", err)
		return
	}

	referenced := make(map[buildcache.Hash]struct{})
	err = m.index.Scan(ctx, func(_ string, rec *index.Record) error {
		referenced[rec.Blob] = struct{}{}
		return nil
	})
	if err != nil {
		m.fail(result, "scan referenced blobs: %v", err)
		return
	}

	next := make(map[buildcache.Hash]struct{})
	for _, h := range blobs {
		if _, ok := referenced[h]; ok {
			continue
		}
		if _, seen := m.candidates[h]; !seen {
			next[h] = struct{}{}
			continue
		}
		if ctx.Err() != nil {
			next[h] = struct{}{}
			continue
		}

		size, err := m.store.Size(ctx, h)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			m.fail(result, "size orphan blob %s: %v", h.ShortString(), err)
			next[h] = struct{}{}
			continue
		}
		if err := m.store.Delete(ctx, h); err != nil {
			m.fail(result, "delete orphan blob %s: %v", h.ShortString(), err)
			next[h] = struct{}{}
			continue
		}
		result.OrphanBlobsDeleted++
		result.BytesReclaimed += size
		m.logger.Debug("deleted orphan blob", "blob", h.ShortString(), "bytes", size)
	}
	m.candidates = next
}
