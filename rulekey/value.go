package rulekey

import (
	"github.com/wolfeidau/build-cache/hashcache"
)

// Kind tags a Value. The numeric values are written into every key and must
// never change.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindBytes
	KindInt
	KindBool
	KindPath
	KindAppendable
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindPath:
		return "path"
	case KindAppendable:
		return "appendable"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Appendable is a reusable object that contributes fields to the keys of the
// rules that embed it. Its sub-key is derived once per seed and memoized by
// ID, so AppendToKey must be deterministic for a given ID.
type Appendable interface {
	ID() ID
	AppendToKey(b *Builder)
}

// Value is a field contribution: a scalar, a path, a nested Appendable or a
// list of values.
type Value struct {
	kind  Kind
	str   string
	bytes []byte
	num   int64
	path  hashcache.Path
	owner Rule
	app   Appendable
	list  []Value
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

func Int(i int64) Value { return Value{kind: KindInt, num: i} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Path is a source path that no rule produces. Its content fingerprint is
// folded into the key.
func Path(p hashcache.Path) Value { return Value{kind: KindPath, path: p} }

// OwnedPath is a path produced by owner. The owner must be a declared
// dependency of the rule being keyed.
func OwnedPath(p hashcache.Path, owner Rule) Value {
	return Value{kind: KindPath, path: p, owner: owner}
}

// Nested folds the sub-key of a into the key.
func Nested(a Appendable) Value { return Value{kind: KindAppendable, app: a} }

func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Strings is a list of string values.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// appendFunc adapts a function to the Appendable interface.
type appendFunc struct {
	id ID
	fn func(*Builder)
}

func (a *appendFunc) ID() ID                 { return a.id }
func (a *appendFunc) AppendToKey(b *Builder) { a.fn(b) }

// NewAppendable returns an Appendable with a fresh ID that contributes the
// fields added by fn.
func NewAppendable(fn func(*Builder)) Appendable {
	return &appendFunc{id: NewID(), fn: fn}
}
