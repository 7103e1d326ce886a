// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec implements the structural encoding used to transport values
// between frames.
//
// Values are reduced to a JSON-compatible shape of maps, slices, and scalars
// before they are sent. Three kinds of value receive special treatment:
//
//   - A function value of type [Func] is replaced by a marker naming a proxy
//     registered on the sending side, so the receiver can call it back.
//   - A [time.Time] is replaced by a marker carrying its Unix time in
//     milliseconds.
//   - A reference to an object that is already being encoded (a cycle) is
//     replaced by a marker naming the ancestor it refers to.
//
// The [Decoder] reverses these substitutions in place.
//
// Plain objects are represented as [Object] values. Struct types that want to
// be transported as objects implement [Fielder] to say which fields they
// expose; the codec does not inspect struct fields on its own.
package codec

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// MaxDepth is the maximum nesting depth the encoder will descend to. Values
// nested more deeply are silently dropped.
const MaxDepth = 100

// Reserved marker keys.
const (
	KeyProxyFunctionID     = "__proxyFunctionId"
	KeyChannelID           = "_channelId"
	KeyProxyDate           = "__proxyDate"
	KeyCircularReference   = "__circularReference"
	KeyCircularReferenceID = "__circularReferenceId"
)

// An Object is a plain object: a mapping from property names to values.
type Object = map[string]any

// A Func is a function value that can be transported by reference. When a
// Func is encoded, the receiving side gets a proxy that invokes it remotely.
type Func func(ctx context.Context, args ...any) (any, error)

// A Fielder is a value that exposes a set of named fields for transport.
// The codec encodes the result of Fields as an object. The identity of a
// Fielder with pointer type is used to detect cycles.
type Fielder interface {
	Fields() map[string]any
}

// A Namespace resolves members by name. It is used to expose objects whose
// members are computed or guarded, and is consulted by [Member].
type Namespace interface {
	Member(name string) (any, bool)
}

// Settings control how values are encoded.
type Settings struct {
	// Encode properties whose names begin with "_". By default they are
	// omitted.
	IncludeUnderscoreProperties bool `json:"includeUnderscoreProperties"`
}

// An Encoder encodes values for transport.
type Encoder struct {
	// The ID of the channel encoded function markers refer to.
	ChannelID int

	// Settings for this encoding.
	Settings Settings

	// Register is called for each function value encountered, and must
	// return the proxy ID assigned to it. If Register is nil, function values
	// are omitted.
	Register func(Func) int
}

// Encode encodes v for transport, and reports whether v produced a value.
// A false result means v should be treated as absent (for example, it is nil,
// nested too deeply, or refers to a host object that cannot be sent).
func (e Encoder) Encode(v any) (any, bool) {
	s := &encodeState{enc: e}
	return s.value(v, 1)
}

// EncodeAll encodes each of vs, substituting nil for absent values.
func (e Encoder) EncodeAll(vs []any) []any {
	if vs == nil {
		return nil
	}
	s := &encodeState{enc: e}
	out, _ := s.array(vs, 1)
	return out.([]any)
}

// ancestor records an object whose encoding is in progress.
type ancestor struct {
	id  uintptr
	out map[string]any
	ref int // circular reference ID, 0 if not yet assigned
}

type encodeState struct {
	enc     Encoder
	stack   []*ancestor
	nextRef int // shared by one call tree
}

// hostObject matches frame handles, which must never cross the boundary.
type hostObject interface {
	PostMessage(data []byte, targetOrigin string) error
}

func isHost(v any) bool {
	switch v.(type) {
	case hostObject, context.Context:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Chan, reflect.UnsafePointer, reflect.Func:
		return true
	}
	return false
}

func (s *encodeState) value(v any, depth int) (any, bool) {
	if v == nil || depth > MaxDepth {
		return nil, false
	}
	switch t := v.(type) {
	case Func:
		return s.proxy(t)
	case func(context.Context, ...any) (any, error):
		return s.proxy(Func(t))
	case time.Time:
		return Object{KeyProxyDate: t.UnixMilli()}, true
	case *time.Time:
		if t == nil {
			return nil, false
		}
		return Object{KeyProxyDate: t.UnixMilli()}, true
	case []any:
		return s.array(t, depth)
	case map[string]any:
		if t == nil {
			return nil, false
		}
		return s.object(reflect.ValueOf(t).Pointer(), t, depth)
	case Fielder:
		rv := reflect.ValueOf(t)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, false
		}
		fields, ok := safeFields(t)
		if !ok {
			return nil, false
		}
		var id uintptr
		if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Map {
			id = rv.Pointer()
		}
		return s.object(id, fields, depth)
	case string, bool, float64, int, int64, json.Number, json.RawMessage:
		return v, true
	}
	if isHost(v) {
		return nil, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
	case reflect.Slice:
		if rv.IsNil() {
			return nil, false
		} else if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, true // as-is, encodes as base64
		}
		fallthrough
	case reflect.Array:
		elts := make([]any, rv.Len())
		for i := range elts {
			elts[i] = rv.Index(i).Interface()
		}
		return s.array(elts, depth)
	case reflect.Map:
		if rv.IsNil() {
			return nil, false
		} else if rv.Type().Key().Kind() != reflect.String {
			return v, true
		}
		fields := make(map[string]any, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			fields[it.Key().String()] = it.Value().Interface()
		}
		return s.object(rv.Pointer(), fields, depth)
	}
	return v, true
}

func (s *encodeState) proxy(f Func) (any, bool) {
	if f == nil || s.enc.Register == nil {
		return nil, false
	}
	id := s.enc.Register(f)
	return Object{KeyProxyFunctionID: id, KeyChannelID: s.enc.ChannelID}, true
}

func (s *encodeState) array(vs []any, depth int) (any, bool) {
	out := make([]any, len(vs))
	for i, v := range vs {
		if ev, ok := s.value(v, depth+1); ok {
			out[i] = ev
		}
	}
	return out, true
}

func (s *encodeState) object(id uintptr, fields map[string]any, depth int) (any, bool) {
	if id != 0 {
		for _, a := range s.stack {
			if a.id == id {
				return s.circular(a), true
			}
		}
	}

	out := make(map[string]any, len(fields))
	s.stack = append(s.stack, &ancestor{id: id, out: out})
	defer func() { s.stack = s.stack[:len(s.stack)-1] }()

	for _, key := range slices.Sorted(maps.Keys(fields)) {
		if key == KeyProxyFunctionID {
			continue // never copied from source data
		} else if strings.HasPrefix(key, "_") && !s.enc.Settings.IncludeUnderscoreProperties {
			continue
		}
		if ev, ok := s.value(fields[key], depth+1); ok {
			out[key] = ev
		}
	}
	return out, true
}

// circular returns a reference marker for a, assigning a an ID if it does
// not already have one.
func (s *encodeState) circular(a *ancestor) Object {
	if a.ref == 0 {
		s.nextRef++
		a.ref = s.nextRef
		a.out[KeyCircularReferenceID] = a.ref
	}
	return Object{KeyCircularReference: a.ref}
}

// safeFields calls f.Fields, reporting false if it panics.
func safeFields(f Fielder) (fields map[string]any, ok bool) {
	defer func() {
		if recover() != nil {
			fields, ok = nil, false
		}
	}()
	return f.Fields(), true
}

// Member looks up the member of target with the given name. Members can be
// resolved on a [Namespace], an [Object], or a [Fielder].
func Member(target any, name string) (any, bool) {
	switch t := target.(type) {
	case Namespace:
		return t.Member(name)
	case map[string]any:
		v, ok := t[name]
		return v, ok
	case Fielder:
		fields, ok := safeFields(t)
		if !ok {
			return nil, false
		}
		v, ok := fields[name]
		return v, ok
	}
	return nil, false
}

// AsFunc reports whether v is a function value the codec can transport, and
// if so returns it as a Func.
func AsFunc(v any) (Func, bool) {
	switch t := v.(type) {
	case Func:
		return t, t != nil
	case func(context.Context, ...any) (any, error):
		return Func(t), t != nil
	}
	return nil, false
}
