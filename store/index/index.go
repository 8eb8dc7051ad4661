// Package index maps rule keys to stored artifacts in a bbolt database.
//
// Each satisfied key of a stored artifact gets its own copy of the record, so
// a lookup is a single read. Records are protobuf wire encoded and compressed
// with zstd when large.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/wire"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = buildcache.ErrNotFound

var bucketKeys = []byte("keys")

// Record field numbers.
const (
	recBlob     protowire.Number = 1
	recSize     protowire.Number = 2
	recStoredAt protowire.Number = 3
	recMetadata protowire.Number = 4
)

// Record is what the server knows about one stored artifact.
type Record struct {
	Blob     buildcache.Hash
	Size     int64
	StoredAt time.Time
	Metadata *wire.ArtifactMetadata
}

// Stats summarises the index contents.
type Stats struct {
	Keys      int   `json:"keys"`
	DataBytes int64 `json:"dataBytes"`
}

// Index is a bbolt backed key to record store.
type Index struct {
	db     *bbolt.DB
	codec  *recordCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// WithNow sets the clock used to stamp records.
func WithNow(now func() time.Time) Option {
	return func(ix *Index) {
		ix.now = now
	}
}

// WithNoSync disables fsync per transaction. Only for tests.
func WithNoSync(noSync bool) Option {
	return func(ix *Index) {
		ix.noSync = noSync
	}
}

// Open opens or creates the index database at path.
func Open(path string, opts ...Option) (*Index, error) {
	ix := &Index{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  ix.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	codec, err := newRecordCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ix.db = db
	ix.codec = codec
	ix.logger.Debug("opened index", "path", path, "noSync", ix.noSync)
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	if ix.codec != nil {
		ix.codec.Close()
		ix.codec = nil
	}
	return ix.db.Close()
}

// Put registers rec under every key in rec.Metadata.SatisfiedKeys, replacing
// existing entries. StoredAt is set when zero.
func (ix *Index) Put(_ context.Context, rec *Record) error {
	if rec.Metadata == nil || len(rec.Metadata.SatisfiedKeys) == 0 {
		return errors.New("record has no satisfied keys")
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = ix.now()
	}

	value, err := ix.codec.encode(marshalRecord(rec))
	if err != nil {
		return err
	}

	return ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		for _, key := range rec.Metadata.SatisfiedKeys {
			if key == "" {
				return errors.New("empty satisfied key")
			}
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("putting %s: %w", key, err)
			}
		}
		return nil
	})
}

// Get returns the record for key.
func (ix *Index) Get(_ context.Context, key string) (*Record, error) {
	var value []byte
	err := ix.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: key %s", ErrNotFound, key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := ix.codec.decode(value)
	if err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return rec, nil
}

// Delete removes key. Other keys satisfied by the same artifact are kept.
func (ix *Index) Delete(_ context.Context, key string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(key))
	})
}

// Stats counts keys and the payload bytes they reference.
func (ix *Index) Stats(_ context.Context) (Stats, error) {
	var st Stats
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, v []byte) error {
			data, err := ix.codec.decode(v)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			size, err := recordSize(data)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			st.Keys++
			st.DataBytes += size
			return nil
		})
	})
	return st, err
}

// Scan calls fn for every key in key order. Returning an error stops the scan.
// fn must not call back into the index.
func (ix *Index) Scan(_ context.Context, fn func(key string, rec *Record) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, v []byte) error {
			data, err := ix.codec.decode(v)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			rec, err := unmarshalRecord(data)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			return fn(string(k), rec)
		})
	})
}

// DeleteIf removes key only if its record still references blob. It reports
// whether the key was removed, so a concurrent re-store is not lost.
func (ix *Index) DeleteIf(_ context.Context, key string, blob buildcache.Hash, storedAt time.Time) (bool, error) {
	removed := false
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		data, err := ix.codec.decode(v)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", key, err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", key, err)
		}
		if rec.Blob != blob || !rec.StoredAt.Equal(storedAt) {
			return nil
		}
		removed = true
		return b.Delete([]byte(key))
	})
	return removed, err
}

func marshalRecord(rec *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, recBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.Blob[:])
	b = protowire.AppendTag(b, recSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Size))
	b = protowire.AppendTag(b, recStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.StoredAt.UnixNano()))
	b = protowire.AppendTag(b, recMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, wire.AppendMetadata(nil, rec.Metadata))
	return b
}

func unmarshalRecord(data []byte) (*Record, error) {
	rec := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == recBlob && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			if len(v) != buildcache.HashSize {
				return nil, fmt.Errorf("blob hash has %d bytes", len(v))
			}
			copy(rec.Blob[:], v)
			n = m
		case num == recSize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			rec.Size = int64(v)
			n = m
		case num == recStoredAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			rec.StoredAt = time.Unix(0, int64(v)).UTC()
			n = m
		case num == recMetadata && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			md, err := wire.ConsumeMetadata(v)
			if err != nil {
				return nil, err
			}
			rec.Metadata = md
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
	}
	if rec.Metadata == nil {
		return nil, errors.New("record has no metadata")
	}
	return rec, nil
}

// recordSize reads only the size field.
func recordSize(data []byte) (int64, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		data = data[n:]
		if num == recSize && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			return int64(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return 0, nil
}
