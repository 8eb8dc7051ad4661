package rulekey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	buildcache "github.com/wolfeidau/build-cache"
	"github.com/wolfeidau/build-cache/hashcache"
)

type fakeHasher map[string]buildcache.Hash

func (f fakeHasher) Get(_ context.Context, p hashcache.Path) (buildcache.Hash, error) {
	h, ok := f[p.String()]
	if !ok {
		return buildcache.Hash{}, fmt.Errorf("%s: %w", p, buildcache.ErrNotFound)
	}
	return h, nil
}

func newFakeEngine(opts ...Option) *Engine {
	return New(fakeHasher{
		"src/A.java":          buildcache.HashBytes([]byte("A")),
		"src/B.java":          buildcache.HashBytes([]byte("B")),
		"out/lib.jar":         buildcache.HashBytes([]byte("lib")),
		"out/util.jar":        buildcache.HashBytes([]byte("util")),
		"out/lib.jar!C.class": buildcache.HashBytes([]byte("C")),
	}, opts...)
}

func buildKey(t *testing.T, e *Engine, seed Seed, rule Rule, fn func(b *Builder)) Key {
	t.Helper()
	b := e.NewBuilder(context.Background(), seed, rule)
	fn(b)
	k, err := b.Build()
	require.NoError(t, err)
	return k
}

func TestKeyIsDeterministic(t *testing.T) {
	rule := &Target{Label: "//app:bin"}
	fields := func(b *Builder) {
		b.Set("name", String("bin")).
			Set("src", Path(hashcache.FilePath("src/A.java"))).
			Set("flags", Strings("-O2", "-g")).
			Set("jobs", Int(4)).
			Set("strip", Bool(true))
	}

	k1 := buildKey(t, newFakeEngine(), 1, rule, fields)
	k2 := buildKey(t, newFakeEngine(), 1, rule, fields)
	require.Equal(t, k1, k2)
	require.False(t, k1.IsZero())
}

func TestKeyChangesWithAnyContribution(t *testing.T) {
	e := newFakeEngine()
	rule := &Target{Label: "//app:bin"}
	base := func(b *Builder) {
		b.Set("name", String("bin")).Set("jobs", Int(4)).Set("strip", Bool(false))
	}
	baseKey := buildKey(t, e, 1, rule, base)

	variants := map[string]func(b *Builder){
		"value": func(b *Builder) {
			b.Set("name", String("bin2")).Set("jobs", Int(4)).Set("strip", Bool(false))
		},
		"int": func(b *Builder) {
			b.Set("name", String("bin")).Set("jobs", Int(5)).Set("strip", Bool(false))
		},
		"bool": func(b *Builder) {
			b.Set("name", String("bin")).Set("jobs", Int(4)).Set("strip", Bool(true))
		},
		"field name": func(b *Builder) {
			b.Set("label", String("bin")).Set("jobs", Int(4)).Set("strip", Bool(false))
		},
		"extra field": func(b *Builder) {
			b.Set("name", String("bin")).Set("jobs", Int(4)).Set("strip", Bool(false)).Set("x", String(""))
		},
	}
	for name, fn := range variants {
		t.Run(name, func(t *testing.T) {
			require.NotEqual(t, baseKey, buildKey(t, e, 1, rule, fn))
		})
	}

	t.Run("seed", func(t *testing.T) {
		require.NotEqual(t, baseKey, buildKey(t, e, 2, rule, base))
	})
}

func TestFieldOrderIsPartOfKey(t *testing.T) {
	e := newFakeEngine()
	rule := &Target{Label: "//app:bin"}

	ab := buildKey(t, e, 1, rule, func(b *Builder) {
		b.Set("a", String("1")).Set("b", String("2"))
	})
	ba := buildKey(t, e, 1, rule, func(b *Builder) {
		b.Set("b", String("2")).Set("a", String("1"))
	})
	require.NotEqual(t, ab, ba)
}

func TestValueKindsDoNotCollide(t *testing.T) {
	e := newFakeEngine()
	rule := &Target{Label: "//app:bin"}

	str := buildKey(t, e, 1, rule, func(b *Builder) { b.Set("v", String("")) })
	byt := buildKey(t, e, 1, rule, func(b *Builder) { b.Set("v", Bytes(nil)) })
	lst := buildKey(t, e, 1, rule, func(b *Builder) { b.Set("v", List()) })
	require.NotEqual(t, str, byt)
	require.NotEqual(t, str, lst)
	require.NotEqual(t, byt, lst)

	// Adjacent strings are length-prefixed.
	split1 := buildKey(t, e, 1, rule, func(b *Builder) { b.Set("v", Strings("ab", "c")) })
	split2 := buildKey(t, e, 1, rule, func(b *Builder) { b.Set("v", Strings("a", "bc")) })
	require.NotEqual(t, split1, split2)
}

func TestPathFieldFollowsFileContent(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "Main.java")
	require.NoError(t, os.WriteFile(src, []byte("class Main {}"), 0o644))

	cache, err := hashcache.New(root)
	require.NoError(t, err)
	e := New(cache)
	rule := &Target{Label: "//app:main"}
	fields := func(b *Builder) { b.Set("src", Path(hashcache.FilePath("Main.java"))) }

	before := buildKey(t, e, 1, rule, fields)
	require.Equal(t, before, buildKey(t, e, 1, rule, fields))

	require.NoError(t, os.WriteFile(src, []byte("class Main { int x; }"), 0o644))
	cache.Invalidate(hashcache.FilePath("Main.java"))
	require.NotEqual(t, before, buildKey(t, e, 1, rule, fields))
}

func TestAppendableSubKeyFollowsInvalidatedInput(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "Lib.java")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))

	cache, err := hashcache.New(root)
	require.NoError(t, err)
	e := New(cache)

	var calls atomic.Int32
	lib := NewAppendable(func(b *Builder) {
		calls.Add(1)
		b.Set("src", Path(hashcache.FilePath("Lib.java")))
	})
	rule := &Target{Label: "//app:bin"}
	fields := func(b *Builder) { b.SetAppendable("lib", lib) }

	k1 := buildKey(t, e, 1, rule, fields)
	require.Equal(t, k1, buildKey(t, e, 1, rule, fields))
	require.EqualValues(t, 1, calls.Load())

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	cache.Invalidate(hashcache.FilePath("Lib.java"))

	k2 := buildKey(t, e, 1, rule, fields)
	require.NotEqual(t, k1, k2)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, 1, e.MemoLen())

	require.Equal(t, k2, buildKey(t, e, 1, rule, fields))
	require.EqualValues(t, 2, calls.Load())
}

func TestNestedAppendableFollowsInvalidatedInput(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	src := filepath.Join(root, "src", "Util.java")
	require.NoError(t, os.WriteFile(src, []byte("class Util {}"), 0o644))

	cache, err := hashcache.New(root)
	require.NoError(t, err)
	e := New(cache)

	inner := NewAppendable(func(b *Builder) {
		b.Set("src", Path(hashcache.FilePath("src/Util.java")))
	})
	outer := NewAppendable(func(b *Builder) {
		b.Set("name", String("outer")).SetAppendable("inner", inner)
	})
	rule := &Target{Label: "//app:bin"}
	fields := func(b *Builder) { b.SetAppendable("outer", outer) }

	before := buildKey(t, e, 1, rule, fields)

	require.NoError(t, os.WriteFile(src, []byte("class Util { int x; }"), 0o644))
	cache.Invalidate(hashcache.FilePath("src"))

	require.NotEqual(t, before, buildKey(t, e, 1, rule, fields))
}

func TestStaleSubKeyHeldByOpenBuilder(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "A.java")
	require.NoError(t, os.WriteFile(src, []byte("a1"), 0o644))

	cache, err := hashcache.New(root)
	require.NoError(t, err)
	e := New(cache)
	app := NewAppendable(func(b *Builder) { b.Set("src", Path(hashcache.FilePath("A.java"))) })
	rule := &Target{Label: "//app:bin"}

	open := e.NewBuilder(context.Background(), 1, rule)
	open.SetAppendable("a", app)

	require.NoError(t, os.WriteFile(src, []byte("a2"), 0o644))
	cache.Invalidate(hashcache.FilePath("A.java"))

	fresh := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("a", app) })
	stale, err := open.Build()
	require.NoError(t, err)
	require.NotEqual(t, stale, fresh)

	// Releasing the replaced sub-key leaves the fresh one memoized.
	require.Equal(t, 1, e.MemoLen())
	require.Equal(t, fresh, buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("a", app) }))
}

func TestHashFailureIsStickyAndFatal(t *testing.T) {
	e := newFakeEngine()
	b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin"})

	b.Set("missing", Path(hashcache.FilePath("src/Missing.java"))).
		Set("after", String("ignored"))
	require.ErrorIs(t, b.Err(), buildcache.ErrNotFound)

	k, err := b.Build()
	require.ErrorIs(t, err, buildcache.ErrNotFound)
	require.True(t, k.IsZero())
}

func TestBuildTwiceFails(t *testing.T) {
	e := newFakeEngine()
	b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin"})
	_, err := b.Set("a", Int(1)).Build()
	require.NoError(t, err)

	_, err = b.Build()
	require.Error(t, err)
	require.Error(t, b.Set("b", Int(2)).Err())
}

func TestUndeclaredDependencyFails(t *testing.T) {
	e := newFakeEngine()
	lib := &Target{Label: "//lib:lib"}
	bin := &Target{Label: "//app:bin"}

	b := e.NewBuilder(context.Background(), 1, bin)
	b.Set("classpath", OwnedPath(hashcache.FilePath("out/lib.jar"), lib))
	k, err := b.Build()
	require.ErrorIs(t, err, buildcache.ErrConsistency)
	require.Contains(t, err.Error(), "//lib:lib")
	require.True(t, k.IsZero())
}

func TestDeclaredDependencyPasses(t *testing.T) {
	e := newFakeEngine()
	lib := &Target{Label: "//lib:lib"}
	bin := &Target{Label: "//app:bin", DepRules: []Rule{lib}}

	buildKey(t, e, 1, bin, func(b *Builder) {
		b.Set("classpath", OwnedPath(hashcache.MemberPath("out/lib.jar", "C.class"), lib))
	})
}

func TestAggregatedDependencyPasses(t *testing.T) {
	e := newFakeEngine()
	util := &Target{Label: "//lib:util"}
	inner := &Target{Label: "//lib:inner-agg", DepRules: []Rule{util}, Aggregate: true}
	outer := &Target{Label: "//lib:outer-agg", DepRules: []Rule{inner}, Aggregate: true}
	bin := &Target{Label: "//app:bin", DepRules: []Rule{outer}}

	buildKey(t, e, 1, bin, func(b *Builder) {
		b.Set("classpath", OwnedPath(hashcache.FilePath("out/util.jar"), util))
	})
}

func TestNonAggregationDepsAreNotTransitive(t *testing.T) {
	e := newFakeEngine()
	util := &Target{Label: "//lib:util"}
	lib := &Target{Label: "//lib:lib", DepRules: []Rule{util}}
	bin := &Target{Label: "//app:bin", DepRules: []Rule{lib}}

	b := e.NewBuilder(context.Background(), 1, bin)
	b.Set("classpath", OwnedPath(hashcache.FilePath("out/util.jar"), util))
	_, err := b.Build()
	require.ErrorIs(t, err, buildcache.ErrConsistency)
}

func TestAppendableOwnersAreChecked(t *testing.T) {
	e := newFakeEngine()
	lib := &Target{Label: "//lib:lib"}
	toolchain := NewAppendable(func(b *Builder) {
		b.Set("runtime", OwnedPath(hashcache.FilePath("out/lib.jar"), lib))
	})

	ok := &Target{Label: "//app:ok", DepRules: []Rule{lib}}
	buildKey(t, e, 1, ok, func(b *Builder) { b.SetAppendable("toolchain", toolchain) })

	// The second rule reuses the memoized sub-key and must still be checked.
	bad := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bad"})
	bad.SetAppendable("toolchain", toolchain)
	_, err := bad.Build()
	require.ErrorIs(t, err, buildcache.ErrConsistency)
}

func TestAppendableKeyIsMemoized(t *testing.T) {
	e := newFakeEngine()
	var calls atomic.Int32
	app := NewAppendable(func(b *Builder) {
		calls.Add(1)
		b.Set("version", String("17"))
	})
	rule := &Target{Label: "//app:bin"}

	k1 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("jdk", app) })
	k2 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("jdk", app) })
	require.Equal(t, k1, k2)
	require.EqualValues(t, 1, calls.Load())

	// A different seed is a different namespace.
	buildKey(t, e, 2, rule, func(b *Builder) { b.SetAppendable("jdk", app) })
	require.EqualValues(t, 2, calls.Load())
}

func TestAppendableContentChangesKey(t *testing.T) {
	e := newFakeEngine()
	rule := &Target{Label: "//app:bin"}
	jdk17 := NewAppendable(func(b *Builder) { b.Set("version", String("17")) })
	jdk21 := NewAppendable(func(b *Builder) { b.Set("version", String("21")) })

	k17 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("jdk", jdk17) })
	k21 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("jdk", jdk21) })
	require.NotEqual(t, k17, k21)
}

func TestConcurrentAppendableDerivationRunsOnce(t *testing.T) {
	e := newFakeEngine()
	var calls atomic.Int32
	app := NewAppendable(func(b *Builder) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		b.Set("src", Path(hashcache.FilePath("src/A.java")))
	})
	rule := &Target{Label: "//app:bin"}

	const n = 32
	keys := make([]Key, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := e.NewBuilder(context.Background(), 1, rule)
			b.SetAppendable("shared", app)
			keys[i], errs[i] = b.Build()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, keys[0], keys[i])
	}
}

func TestAppendableSelfCycleFails(t *testing.T) {
	e := newFakeEngine()
	var self Appendable
	self = NewAppendable(func(b *Builder) {
		b.SetAppendable("self", self)
	})

	b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin"})
	b.SetAppendable("loop", self)
	_, err := b.Build()
	require.ErrorIs(t, err, buildcache.ErrConsistency)
	require.Zero(t, e.MemoLen())
}

func TestAppendableMutualCycleFails(t *testing.T) {
	e := newFakeEngine()
	var a, c Appendable
	a = NewAppendable(func(b *Builder) { b.SetAppendable("c", c) })
	c = NewAppendable(func(b *Builder) { b.SetAppendable("a", a) })

	done := make(chan error, 1)
	go func() {
		b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin"})
		b.SetAppendable("a", a)
		_, err := b.Build()
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, buildcache.ErrConsistency)
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic appendables deadlocked")
	}
}

func TestNestedAppendables(t *testing.T) {
	e := newFakeEngine()
	lib := &Target{Label: "//lib:lib"}
	inner := NewAppendable(func(b *Builder) {
		b.Set("jar", OwnedPath(hashcache.FilePath("out/lib.jar"), lib))
	})
	outer := NewAppendable(func(b *Builder) {
		b.Set("name", String("outer")).SetAppendable("inner", inner)
	})

	b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin", DepRules: []Rule{lib}})
	b.SetAppendable("outer", outer)
	require.Equal(t, []hashcache.Path{hashcache.FilePath("out/lib.jar")}, b.Inputs())
	_, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, 2, e.MemoLen())
}

func TestMemoEvictsUnpinnedOldestFirst(t *testing.T) {
	e := newFakeEngine(WithMemoCapacity(2))
	apps := make([]Appendable, 5)
	for i := range apps {
		apps[i] = NewAppendable(func(b *Builder) { b.Set("i", Int(int64(i))) })
	}

	b := e.NewBuilder(context.Background(), 1, &Target{Label: "//app:bin"})
	for i, a := range apps {
		b.SetAppendable(fmt.Sprintf("a%d", i), a)
	}
	// Everything is pinned until the builder is built.
	require.Equal(t, 5, e.MemoLen())

	_, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, 2, e.MemoLen())

	_, ok := e.memo.peek(memoKey{seed: 1, id: apps[4].ID()})
	require.True(t, ok)
	_, ok = e.memo.peek(memoKey{seed: 1, id: apps[0].ID()})
	require.False(t, ok)
}

func TestForgetDropsSubKey(t *testing.T) {
	e := newFakeEngine()
	var calls atomic.Int32
	app := NewAppendable(func(b *Builder) {
		calls.Add(1)
		b.Set("v", String("x"))
	})
	rule := &Target{Label: "//app:bin"}

	k1 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("a", app) })
	e.Forget(app.ID())
	require.Zero(t, e.MemoLen())

	k2 := buildKey(t, e, 1, rule, func(b *Builder) { b.SetAppendable("a", app) })
	require.Equal(t, k1, k2)
	require.EqualValues(t, 2, calls.Load())
}

type javaLibrary struct {
	Target
	srcs []string
}

func (j *javaLibrary) AppendToKey(b *Builder) {
	for _, s := range j.srcs {
		b.Set("src", Path(hashcache.FilePath(s)))
	}
}

func TestEngineKeyForKeyedRule(t *testing.T) {
	e := newFakeEngine()
	lib := &javaLibrary{Target: Target{Label: "//lib:java"}, srcs: []string{"src/A.java", "src/B.java"}}

	k1, err := e.Key(context.Background(), 1, lib)
	require.NoError(t, err)

	lib.srcs = []string{"src/B.java", "src/A.java"}
	k2, err := e.Key(context.Background(), 1, lib)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestParseKeyRoundTrip(t *testing.T) {
	e := newFakeEngine()
	k := buildKey(t, e, 1, &Target{Label: "//x"}, func(b *Builder) { b.Set("a", Int(1)) })

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}
