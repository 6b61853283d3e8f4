// Package fingerprint computes deterministic, content-derived identities for
// arbitrary Go values.
//
// A Fingerprint depends only on the structure and content of a value, never on
// pointer identity or map iteration order:
//   - Deterministic: structurally equal values always produce the same fingerprint
//   - Content-based: pointers and interfaces are followed, not compared by address
//   - Ordered: map entries are sorted by their canonical key encoding
//   - Unambiguous: every field is length-prefixed
//   - Typed: the dynamic type is part of the encoding, so int(3) and
//     int64(3), or []float64 and a named slice type, never collide
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"reflect"
	"sort"
	"time"
)

// Fingerprint is the hex-encoded sha256 identity of one or more values.
type Fingerprint string

// String returns the string representation of the Fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Short returns an abbreviated form suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

var (
	// ErrUnhashable is returned for values with no structural identity
	// (functions, channels, unsafe pointers).
	ErrUnhashable = errors.New("value is not fingerprintable")

	// ErrCycle is returned when a value refers back to itself.
	ErrCycle = errors.New("cyclic value")
)

// Canonical lets a type supply its own canonical encoding.
//
// Implementations must return identical bytes for values they consider equal.
type Canonical interface {
	CanonicalBytes() ([]byte, error)
}

var (
	canonicalType = reflect.TypeOf((*Canonical)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
)

// Encoding tags. They are part of the hashed bytes; do not renumber.
const (
	tagNil       byte = 'n'
	tagBool      byte = '?'
	tagInt       byte = 'i'
	tagUint      byte = 'u'
	tagFloat     byte = 'f'
	tagComplex   byte = 'c'
	tagString    byte = 's'
	tagBytes     byte = 'b'
	tagList      byte = 'l'
	tagMap       byte = 'm'
	tagStruct    byte = 't'
	tagTime      byte = 'T'
	tagCanonical byte = 'x'
)

// Of computes the fingerprint of the given values taken together.
//
// Of(a, b) differs from Of(b, a) and from Of([]any{a, b}).
func Of(values ...any) (Fingerprint, error) {
	h := sha256.New()
	enc := newEncoder(h)
	enc.count(len(values))
	for i, v := range values {
		if err := enc.encode(reflect.ValueOf(v)); err != nil {
			return "", fmt.Errorf("fingerprint value %d: %w", i, err)
		}
	}
	return sum(h), nil
}

// Combine hashes a sequence of strings (typically names and other fingerprints)
// into a single fingerprint. It cannot fail.
func Combine(parts ...string) Fingerprint {
	h := sha256.New()
	enc := newEncoder(h)
	enc.count(len(parts))
	for _, p := range parts {
		enc.field([]byte(p))
	}
	return sum(h)
}

// Encode returns the canonical byte encoding that Of hashes for a single value.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	if err := enc.encode(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sum(h hash.Hash) Fingerprint {
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// visitKey identifies a reference-typed value on the current traversal path.
type visitKey struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

type encoder struct {
	w    io.Writer
	path map[visitKey]struct{}
	lb   [8]byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w, path: make(map[visitKey]struct{})}
}

// child returns an encoder writing to buf that shares the cycle guard.
func (e *encoder) child(buf *bytes.Buffer) *encoder {
	return &encoder{w: buf, path: e.path}
}

// field writes an 8-byte big-endian length prefix followed by data.
func (e *encoder) field(data []byte) {
	binary.BigEndian.PutUint64(e.lb[:], uint64(len(data)))
	_, _ = e.w.Write(e.lb[:])
	_, _ = e.w.Write(data)
}

func (e *encoder) tag(t byte) { e.field([]byte{t}) }

// typed writes a tag followed by the value's type name.
func (e *encoder) typed(t byte, typ reflect.Type) {
	e.tag(t)
	e.field([]byte(typeName(typ)))
}

// typeName qualifies named types with their package path so that equally
// named types from different packages stay distinct.
func typeName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func (e *encoder) u64(u uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	e.field(b[:])
}

func (e *encoder) count(n int) { e.u64(uint64(n)) }

func (e *encoder) float(f float64) {
	switch {
	case math.IsNaN(f):
		f = math.NaN()
	case f == 0:
		f = 0 // folds -0 into +0
	}
	e.u64(math.Float64bits(f))
}

func (e *encoder) enter(k visitKey) error {
	if _, seen := e.path[k]; seen {
		return fmt.Errorf("%w: %s", ErrCycle, k.typ)
	}
	e.path[k] = struct{}{}
	return nil
}

func (e *encoder) leave(k visitKey) { delete(e.path, k) }

func (e *encoder) encode(v reflect.Value) error {
	if !v.IsValid() {
		e.tag(tagNil)
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if v.IsNil() && v.Kind() != reflect.Slice {
			e.typed(tagNil, v.Type())
			return nil
		}
	}

	if v.CanInterface() && v.Type().Implements(canonicalType) {
		b, err := v.Interface().(Canonical).CanonicalBytes()
		if err != nil {
			return fmt.Errorf("canonical encoding of %s: %w", v.Type(), err)
		}
		e.typed(tagCanonical, v.Type())
		e.field(b)
		return nil
	}

	if v.Type() == timeType && v.CanInterface() {
		t := v.Interface().(time.Time)
		e.tag(tagTime)
		e.u64(uint64(t.UnixNano()))
		e.field([]byte(t.Location().String()))
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		k := visitKey{ptr: v.Pointer(), typ: v.Type()}
		if err := e.enter(k); err != nil {
			return err
		}
		defer e.leave(k)
		return e.encode(v.Elem())

	case reflect.Interface:
		return e.encode(v.Elem())

	case reflect.Bool:
		e.typed(tagBool, v.Type())
		if v.Bool() {
			e.field([]byte{1})
		} else {
			e.field([]byte{0})
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.typed(tagInt, v.Type())
		e.u64(uint64(v.Int()))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.typed(tagUint, v.Type())
		e.u64(v.Uint())
		return nil

	case reflect.Float32, reflect.Float64:
		e.typed(tagFloat, v.Type())
		e.float(v.Float())
		return nil

	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		e.typed(tagComplex, v.Type())
		e.float(real(c))
		e.float(imag(c))
		return nil

	case reflect.String:
		e.typed(tagString, v.Type())
		e.field([]byte(v.String()))
		return nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.typed(tagBytes, v.Type())
			e.field(v.Bytes())
			return nil
		}
		if v.Len() > 0 {
			k := visitKey{ptr: v.Pointer(), typ: v.Type(), n: v.Len()}
			if err := e.enter(k); err != nil {
				return err
			}
			defer e.leave(k)
		}
		return e.list(v)

	case reflect.Array:
		return e.list(v)

	case reflect.Map:
		k := visitKey{ptr: v.Pointer(), typ: v.Type()}
		if err := e.enter(k); err != nil {
			return err
		}
		defer e.leave(k)
		return e.mapValue(v)

	case reflect.Struct:
		t := v.Type()
		e.typed(tagStruct, t)
		e.count(t.NumField())
		for i := 0; i < t.NumField(); i++ {
			e.field([]byte(t.Field(i).Name))
			if err := e.encode(v.Field(i)); err != nil {
				return fmt.Errorf("field %s.%s: %w", t, t.Field(i).Name, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnhashable, v.Type())
	}
}

func (e *encoder) list(v reflect.Value) error {
	e.typed(tagList, v.Type())
	e.count(v.Len())
	for i := 0; i < v.Len(); i++ {
		if err := e.encode(v.Index(i)); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	return nil
}

type mapEntry struct {
	key []byte
	val []byte
}

// mapValue encodes entries sorted by their canonical key bytes.
func (e *encoder) mapValue(v reflect.Value) error {
	entries := make([]mapEntry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var kb, vb bytes.Buffer
		if err := e.child(&kb).encode(iter.Key()); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		if err := e.child(&vb).encode(iter.Value()); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
		entries = append(entries, mapEntry{key: kb.Bytes(), val: vb.Bytes()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})

	e.typed(tagMap, v.Type())
	e.count(len(entries))
	for _, en := range entries {
		e.field(en.key)
		e.field(en.val)
	}
	return nil
}
