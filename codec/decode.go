// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"encoding/json"
	"math"
	"time"
)

// A Decoder reverses the substitutions made by an [Encoder].
type Decoder struct {
	// Proxy is called for each function marker, and returns a function that
	// invokes the remote proxy with the given ID. If Proxy is nil, function
	// markers decode as nil.
	Proxy func(id int) Func
}

// Decode decodes v in place and returns it. Objects and arrays within v are
// modified so that markers are replaced by the values they denote.
//
// The refs map records objects that were the target of a circular reference
// during encoding, keyed by reference ID. If refs == nil, a fresh map is used.
// Passing the same map to multiple calls allows references to span values
// decoded separately.
func (d Decoder) Decode(v any, refs map[int]any) any {
	if refs == nil {
		refs = make(map[int]any)
	}
	return d.walk(v, refs)
}

func (d Decoder) walk(v any, refs map[int]any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t[KeyProxyFunctionID]; ok {
			id, ok := asInt(raw)
			if !ok || d.Proxy == nil {
				return nil
			}
			return d.Proxy(id)
		}
		if raw, ok := t[KeyProxyDate]; ok {
			if ms, ok := asInt64(raw); ok {
				return time.UnixMilli(ms)
			}
		}
		if raw, ok := t[KeyCircularReference]; ok {
			if id, ok := asInt(raw); ok {
				return refs[id]
			}
		}
		if raw, ok := t[KeyCircularReferenceID]; ok {
			if id, ok := asInt(raw); ok {
				refs[id] = t
			}
			delete(t, KeyCircularReferenceID)
		}
		for key, elt := range t {
			t[key] = d.walk(elt, refs)
		}
		return t

	case []any:
		for i, elt := range t {
			t[i] = d.walk(elt, refs)
		}
		return t
	}
	return v
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	n, ok := asInt64(v)
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}
