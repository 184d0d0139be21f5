// Package key implements the hierarchical key space used by querysync.
//
// A Key is an ordered list of segments: a namespace followed by any number of
// entity ids, sub-resources or parameter objects. Every segment is encoded with
// canonical CBOR (RFC 8949 core deterministic encoding), so two keys built
// independently from equivalent values compare equal, and map or struct
// segments produce the same bytes regardless of field order.
//
//	k1 := key.MustMake("proposals", "list", map[string]any{"status": "active", "category": "re"})
//	k2 := key.MustMake("proposals", "list", map[string]any{"category": "re", "status": "active"})
//	k1.Equal(k2) // true
//
// Keys form a prefix hierarchy: ["portfolio","addrA"] is a prefix of
// ["portfolio","addrA","transactions"]. The cache uses this relation to fan an
// invalidation out to every refinement of a coarse key.
package key

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is wrapped by every key construction failure.
var ErrMalformed = errors.New("querysync/key: malformed key")

// SegmentError reports a segment that could not be canonically encoded.
// Index 0 is the namespace.
type SegmentError struct {
	Namespace string
	Index     int
	Err       error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("querysync/key: segment %d of %q: %v", e.Index, e.Namespace, e.Err)
}

func (e *SegmentError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Key is an immutable, structurally comparable cache key.
// The zero Key is invalid and is never produced by Make.
type Key struct {
	id   string   // canonical CBOR array of all segments
	segs []string // canonical CBOR of each segment; segs[0] is the namespace
}

// Make builds a key from a namespace and optional segments.
// Segments that cannot be encoded (funcs, channels, complex numbers, nil)
// fail here rather than at lookup time.
func Make(namespace string, segments ...any) (Key, error) {
	if namespace == "" {
		return Key{}, &SegmentError{Index: 0, Err: errors.New("empty namespace")}
	}
	segs := make([]string, 0, 1+len(segments))
	ns, err := encMode.Marshal(namespace)
	if err != nil {
		return Key{}, &SegmentError{Namespace: namespace, Index: 0, Err: err}
	}
	segs = append(segs, string(ns))
	segs, err = appendSegments(namespace, segs, segments)
	if err != nil {
		return Key{}, err
	}
	return build(segs)
}

// MustMake is like Make but panics on error. Handy for static key factories.
func MustMake(namespace string, segments ...any) Key {
	k, err := Make(namespace, segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// Append returns a refinement of k with extra segments. k is left unchanged.
func (k Key) Append(segments ...any) (Key, error) {
	if k.IsZero() {
		return Key{}, &SegmentError{Index: 0, Err: errors.New("append to zero key")}
	}
	segs := make([]string, len(k.segs), len(k.segs)+len(segments))
	copy(segs, k.segs)
	segs, err := appendSegments(k.Namespace(), segs, segments)
	if err != nil {
		return Key{}, err
	}
	return build(segs)
}

func appendSegments(ns string, segs []string, segments []any) ([]string, error) {
	base := len(segs)
	for i, s := range segments {
		if s == nil {
			return nil, &SegmentError{Namespace: ns, Index: base + i, Err: errors.New("nil segment")}
		}
		if !acyclic(reflect.ValueOf(s), make(map[visit]struct{})) {
			return nil, &SegmentError{Namespace: ns, Index: base + i, Err: errors.New("cyclic value")}
		}
		b, err := encMode.Marshal(s)
		if err != nil {
			return nil, &SegmentError{Namespace: ns, Index: base + i, Err: err}
		}
		segs = append(segs, string(b))
	}
	return segs, nil
}

// visit identifies a reference on the current path. Slices also carry their
// length so a shorter window over the same array is not mistaken for a cycle.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// acyclic reports whether v can be encoded without revisiting a pointer, map,
// or slice that encloses it.
func acyclic(v reflect.Value, path map[visit]struct{}) bool {
	enter := func(id visit, walk func() bool) bool {
		if _, seen := path[id]; seen {
			return false
		}
		path[id] = struct{}{}
		ok := walk()
		delete(path, id)
		return ok
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return true
		}
		return enter(visit{v.Pointer(), v.Type(), 0}, func() bool { return acyclic(v.Elem(), path) })
	case reflect.Interface:
		return v.IsNil() || acyclic(v.Elem(), path)
	case reflect.Map:
		if v.IsNil() || v.Len() == 0 {
			return true
		}
		return enter(visit{v.Pointer(), v.Type(), 0}, func() bool {
			it := v.MapRange()
			for it.Next() {
				if !acyclic(it.Key(), path) || !acyclic(it.Value(), path) {
					return false
				}
			}
			return true
		})
	case reflect.Slice:
		if v.Len() == 0 {
			return true
		}
		return enter(visit{v.Pointer(), v.Type(), v.Len()}, func() bool { return elemsAcyclic(v, path) })
	case reflect.Array:
		return elemsAcyclic(v, path)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !acyclic(v.Field(i), path) {
				return false
			}
		}
	}
	return true
}

func elemsAcyclic(v reflect.Value, path map[visit]struct{}) bool {
	for i := 0; i < v.Len(); i++ {
		if !acyclic(v.Index(i), path) {
			return false
		}
	}
	return true
}

func build(segs []string) (Key, error) {
	raw := make([]cbor.RawMessage, len(segs))
	for i, s := range segs {
		raw[i] = cbor.RawMessage(s)
	}
	id, err := encMode.Marshal(raw)
	if err != nil {
		return Key{}, &SegmentError{Index: -1, Err: err}
	}
	return Key{id: string(id), segs: segs}, nil
}

// FromID rebuilds a key from the value returned by ID. It is how persisted
// keys come back from storage.
func FromID(id string) (Key, error) {
	var raw []cbor.RawMessage
	if err := decMode.Unmarshal([]byte(id), &raw); err != nil {
		return Key{}, &SegmentError{Index: -1, Err: err}
	}
	if len(raw) == 0 {
		return Key{}, &SegmentError{Index: 0, Err: errors.New("empty key")}
	}
	var ns string
	if err := decMode.Unmarshal(raw[0], &ns); err != nil || ns == "" {
		return Key{}, &SegmentError{Index: 0, Err: errors.New("namespace is not a non-empty string")}
	}
	segs := make([]string, len(raw))
	for i, r := range raw {
		segs[i] = string(r)
	}
	k, err := build(segs)
	if err != nil {
		return Key{}, err
	}
	if k.id != id {
		// not canonical; refuse rather than alias another key
		return Key{}, &SegmentError{Namespace: ns, Index: -1, Err: errors.New("non-canonical encoding")}
	}
	return k, nil
}

// ID returns the stable identifier of k. Equal keys have equal IDs.
func (k Key) ID() string { return k.id }

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return len(k.segs) == 0 }

// Len is the number of segments including the namespace.
func (k Key) Len() int { return len(k.segs) }

// Equal reports structural equality.
func (k Key) Equal(o Key) bool { return k.id == o.id }

// Namespace returns the first segment.
func (k Key) Namespace() string {
	if k.IsZero() {
		return ""
	}
	var ns string
	_ = decMode.Unmarshal([]byte(k.segs[0]), &ns)
	return ns
}

// Segment decodes segment i (0 is the namespace). Maps decode as map[any]any.
func (k Key) Segment(i int) (any, error) {
	if i < 0 || i >= len(k.segs) {
		return nil, fmt.Errorf("querysync/key: segment %d out of range [0,%d)", i, len(k.segs))
	}
	var v any
	if err := decMode.Unmarshal([]byte(k.segs[i]), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Parent returns k without its last segment. A namespace-only key has no parent.
func (k Key) Parent() (Key, bool) {
	if len(k.segs) < 2 {
		return Key{}, false
	}
	p, err := build(k.segs[: len(k.segs)-1 : len(k.segs)-1])
	if err != nil {
		return Key{}, false
	}
	return p, true
}

// Prefixes returns every ancestor of k followed by k itself, coarsest first.
func (k Key) Prefixes() []Key {
	out := make([]Key, 0, len(k.segs))
	for n := 1; n < len(k.segs); n++ {
		p, err := build(k.segs[:n:n])
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return append(out, k)
}

// IsPrefixOf reports whether k is a prefix of (or equal to) o.
func (k Key) IsPrefixOf(o Key) bool { return IsPrefixOf(k, o) }

// IsPrefixOf reports whether a is a prefix of (or equal to) b.
// Two zero keys are not related.
func IsPrefixOf(a, b Key) bool {
	if a.IsZero() || len(a.segs) > len(b.segs) {
		return false
	}
	for i := range a.segs {
		if a.segs[i] != b.segs[i] {
			return false
		}
	}
	return true
}

// Digest returns a short hex digest of k, suitable for log redaction.
func (k Key) Digest() string {
	sum := sha256.Sum256([]byte(k.id))
	return hex.EncodeToString(sum[:8])
}

// String renders k in CBOR diagnostic notation, e.g. ["portfolio", "addrA"].
func (k Key) String() string {
	if k.IsZero() {
		return "[]"
	}
	s, err := cbor.Diagnose([]byte(k.id))
	if err != nil {
		return "key:" + hex.EncodeToString([]byte(k.id))
	}
	return strings.TrimSpace(s)
}
