package rulekey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/hashcache"
	"github.com/wolfeidau/build-cache/telemetry"
)

var (
	ruleDomain       = []byte("rulekey\x00")
	appendableDomain = []byte("appendable\x00")
)

var errBuilt = errors.New("rulekey: builder already built")

// pathUse records that a path owned by a rule was read.
type pathUse struct {
	owner Rule
	path  hashcache.Path
}

// field is one resolved contribution, in insertion order.
type field struct {
	name  string
	value resolved
}

// resolved is a Value with paths replaced by content fingerprints and
// appendables by sub-keys.
type resolved struct {
	kind  Kind
	str   string
	bytes []byte
	num   int64
	path  hashcache.Path
	hash  buildcache.Hash
	list  []resolved
}

// Builder accumulates the ordered fields of one rule key. Errors are sticky:
// after the first failure every later call is a no-op and Build returns the
// error. A Builder is not safe for concurrent use.
type Builder struct {
	ctx    context.Context
	engine *Engine
	seed   Seed
	rule   Rule
	self   *memoKey // set when deriving an appendable sub-key
	start  time.Time

	fields []field
	owners []pathUse
	reads  []pathRead
	pinned []pinnedSub

	err   error
	built bool
}

func newBuilder(ctx context.Context, e *Engine, seed Seed, rule Rule, self *memoKey) *Builder {
	return &Builder{
		ctx:    ctx,
		engine: e,
		seed:   seed,
		rule:   rule,
		self:   self,
		start:  time.Now(),
	}
}

// Set appends a field. Path values are resolved through the content hash
// cache immediately.
func (b *Builder) Set(name string, v Value) *Builder {
	if b.err != nil {
		return b
	}
	if b.built {
		b.err = errBuilt
		return b
	}
	r, err := b.resolve(v)
	if err != nil {
		b.err = fmt.Errorf("field %q: %w", name, err)
		return b
	}
	b.fields = append(b.fields, field{name: name, value: r})
	return b
}

// SetAppendable appends the memoized sub-key of a.
func (b *Builder) SetAppendable(name string, a Appendable) *Builder {
	return b.Set(name, Nested(a))
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error {
	return b.err
}

// Inputs returns the paths resolved so far, including those read by
// appendables.
func (b *Builder) Inputs() []hashcache.Path {
	if len(b.reads) == 0 {
		return nil
	}
	paths := make([]hashcache.Path, len(b.reads))
	for i, r := range b.reads {
		paths[i] = r.path
	}
	return paths
}

// Build finalises the key and checks that every rule whose output was read
// is a declared dependency. It releases the appendable sub-keys the builder
// pinned whether or not it succeeds.
func (b *Builder) Build() (Key, error) {
	if b.built {
		return Key{}, errBuilt
	}
	b.built = true
	defer b.engine.release(b.pinned)

	key, err := b.finish()
	if err == nil {
		err = b.checkDeps()
	}

	name := ""
	if b.rule != nil {
		name = b.rule.Name()
	}
	if err != nil {
		telemetry.RecordKeyDerivation(b.ctx, "rule", "error", time.Since(b.start))
		return Key{}, err
	}

	telemetry.RecordKeyDerivation(b.ctx, "rule", "computed", time.Since(b.start))
	b.engine.logger.Debug("derived rule key",
		slog.String("rule", name),
		slog.String("key", key.ShortString()),
		slog.Int("fields", len(b.fields)),
	)
	return key, nil
}

// finish computes the digest without the dependency check.
func (b *Builder) finish() (Key, error) {
	if b.err != nil {
		return Key{}, b.err
	}

	h := buildcache.NewHasher()
	if b.self != nil {
		_, _ = h.Write(appendableDomain)
	} else {
		_, _ = h.Write(ruleDomain)
	}
	h.WriteUint64(uint64(b.seed))
	for _, f := range b.fields {
		_ = h.WriteByte(byte(f.value.kind))
		h.WriteString(f.name)
		writeBody(h, f.value)
	}
	return Key(h.Sum()), nil
}

func writeBody(h *buildcache.Hasher, r resolved) {
	switch r.kind {
	case KindString:
		h.WriteString(r.str)
	case KindBytes:
		h.WriteField(r.bytes)
	case KindInt:
		h.WriteUint64(uint64(r.num))
	case KindBool:
		_ = h.WriteByte(byte(r.num))
	case KindPath:
		h.WriteString(r.path.Name)
		h.WriteString(r.path.Member)
		h.WriteHash(r.hash)
	case KindAppendable:
		h.WriteHash(r.hash)
	case KindList:
		h.WriteUint64(uint64(len(r.list)))
		for _, e := range r.list {
			_ = h.WriteByte(byte(e.kind))
			writeBody(h, e)
		}
	}
}

// resolve turns a Value into its hashed form, recording the paths read.
func (b *Builder) resolve(v Value) (resolved, error) {
	switch v.kind {
	case KindString:
		return resolved{kind: v.kind, str: v.str}, nil
	case KindBytes:
		return resolved{kind: v.kind, bytes: v.bytes}, nil
	case KindInt, KindBool:
		return resolved{kind: v.kind, num: v.num}, nil
	case KindPath:
		h, err := b.engine.hashes.Get(b.ctx, v.path)
		if err != nil {
			return resolved{}, fmt.Errorf("hashing %s: %w", v.path, err)
		}
		b.reads = append(b.reads, pathRead{path: v.path, hash: h})
		if v.owner != nil {
			b.owners = append(b.owners, pathUse{owner: v.owner, path: v.path})
		}
		return resolved{kind: v.kind, path: v.path, hash: h}, nil
	case KindAppendable:
		if v.app == nil {
			return resolved{}, errors.New("nil appendable")
		}
		k := memoKey{seed: b.seed, id: v.app.ID()}
		d, err := b.engine.derive(b.ctx, b, k, v.app)
		if err != nil {
			return resolved{}, fmt.Errorf("appendable %d: %w", k.id, err)
		}
		b.pinned = append(b.pinned, pinnedSub{key: k, d: d})
		b.owners = append(b.owners, d.owners...)
		b.reads = append(b.reads, d.reads...)
		return resolved{kind: v.kind, hash: buildcache.Hash(d.key)}, nil
	case KindList:
		list := make([]resolved, 0, len(v.list))
		for i, e := range v.list {
			r, err := b.resolve(e)
			if err != nil {
				return resolved{}, fmt.Errorf("element %d: %w", i, err)
			}
			list = append(list, r)
		}
		return resolved{kind: v.kind, list: list}, nil
	default:
		return resolved{}, fmt.Errorf("invalid value kind %d", v.kind)
	}
}

// checkDeps verifies every owner of a path read is a declared dependency of
// the rule, directly or through declared aggregations.
func (b *Builder) checkDeps() error {
	if len(b.owners) == 0 {
		return nil
	}

	declared := declaredDeps(b.rule)
	self := ""
	if b.rule != nil {
		self = b.rule.Name()
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, use := range b.owners {
		name := use.owner.Name()
		if name == self {
			continue
		}
		if _, ok := declared[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		missing = append(missing, fmt.Sprintf("%s (read %s)", name, use.path))
	}
	if len(missing) == 0 {
		return nil
	}

	slices.Sort(missing)
	return fmt.Errorf("%w: %s used undeclared dependencies: %s",
		buildcache.ErrConsistency, self, strings.Join(missing, ", "))
}
