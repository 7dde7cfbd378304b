// Package codec encodes host values into stored JSON documents and reads
// property paths back out of them.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/zot/ctxstore/internal/path"
)

// UndefinedValue is the type of Undefined.
type UndefinedValue struct{}

// Undefined marks a value that does not exist: a missing key or property on
// read, a deletion on write. It is distinct from a stored JSON null (nil).
var Undefined = UndefinedValue{}

// IsUndefined reports whether v is Undefined.
func IsUndefined(v any) bool {
	_, ok := v.(UndefinedValue)
	return ok
}

// Encode serializes v as JSON. Edges that point back at an enclosing map,
// slice or pointer are omitted, and circular reports whether that happened.
func Encode(v any) (data []byte, circular bool, err error) {
	e := &encoder{active: make(map[visit]bool)}
	tree, keep := e.normalize(reflect.ValueOf(v))
	if !keep {
		tree = nil
	}
	if e.err != nil {
		return nil, false, e.err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, false, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), e.circular, nil
}

// visit identifies a container on the current encoding path.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	active   map[visit]bool
	circular bool
	err      error
}

// enter marks a container as being on the current path. It returns false when
// the container is already there, which means the edge leading to it is cyclic.
func (e *encoder) enter(key visit) bool {
	if e.active[key] {
		e.circular = true
		return false
	}
	e.active[key] = true
	return true
}

// normalize converts v into a tree of map[string]any, []any and scalars.
// keep is false when v must be omitted from its parent.
func (e *encoder) normalize(v reflect.Value) (tree any, keep bool) {
	if !v.IsValid() {
		return nil, true
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		return e.normalize(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		if _, ok := v.Interface().(json.Marshaler); ok {
			return v.Interface(), true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if !e.enter(key) {
			return nil, false
		}
		defer delete(e.active, key)
		return e.normalize(v.Elem())

	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if !e.enter(key) {
			return nil, false
		}
		defer delete(e.active, key)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			child, keep := e.normalize(iter.Value())
			if keep {
				out[mapKey(iter.Key())] = child
			}
		}
		return out, true

	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type(), len: v.Len()}
		if !e.enter(key) {
			return nil, false
		}
		defer delete(e.active, key)
		return e.normalizeList(v), true

	case reflect.Array:
		return e.normalizeList(v), true

	case reflect.Struct:
		if _, ok := v.Interface().(UndefinedValue); ok {
			return nil, false
		}
		return e.normalizeStruct(v), true

	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, false

	default:
		return v.Interface(), true
	}
}

func (e *encoder) normalizeList(v reflect.Value) []any {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		child, keep := e.normalize(v.Index(i))
		if keep {
			out = append(out, child)
		}
	}
	return out
}

// normalizeStruct round-trips a struct through encoding/json so field tags
// are honoured. Cycles inside structs are left to encoding/json to reject.
func (e *encoder) normalizeStruct(v reflect.Value) any {
	if e.err != nil {
		return nil
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		e.err = err
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		e.err = err
		return nil
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

// Decode parses a stored document.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Lookup evaluates a path tail against a decoded document. It returns
// Undefined when any segment does not resolve.
func Lookup(doc any, tail []path.Segment) any {
	current := doc
	for _, seg := range tail {
		switch seg.Type {
		case path.SegmentProperty:
			m, ok := current.(map[string]any)
			if !ok {
				return Undefined
			}
			child, ok := m[seg.Value]
			if !ok {
				return Undefined
			}
			current = child
		case path.SegmentIndex:
			list, ok := current.([]any)
			if !ok || seg.Index >= len(list) {
				return Undefined
			}
			current = list[seg.Index]
		}
	}
	return current
}
