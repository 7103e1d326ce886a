// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package registry defines a mapping from string instance IDs to objects that
// can be exposed for remote invocation over an xdm.Channel.
//
// # Usage
//
// Construct a new empty registry and add objects to it:
//
//	reg := registry.New().
//	  Register("calc", calc).
//	  Register("session", registry.Factory(newSession))
//
// An entry is either a direct instance, which is returned as-is, or a factory
// that is invoked each time the instance is requested, with the context data
// supplied by the caller:
//
//	v, err := reg.Instance(ctx, "session", contextData)
//
// Registering an ID that is already present silently replaces the existing
// entry. Unregistering an absent ID is not an error.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotFound is reported by Instance for an ID with no registered entry.
var ErrNotFound = errors.New("instance not registered")

// A Factory constructs an instance on demand. The contextData value is the
// instance context supplied by the remote caller, or nil.
//
// A factory may block; the caller is responsible for running it where
// blocking is acceptable.
type Factory func(ctx context.Context, contextData any) (any, error)

// An Entry is the value stored for an instance ID. It is either a direct
// instance (see Value) or a factory (see Func). The zero Entry is a direct
// instance whose value is nil.
type Entry struct {
	value   any
	factory Factory
}

// Value returns an Entry for a direct instance v.
func Value(v any) Entry { return Entry{value: v} }

// Func returns an Entry for a factory f. It panics if f == nil.
func Func(f Factory) Entry {
	if f == nil {
		panic("registry: nil factory")
	}
	return Entry{factory: f}
}

// IsFactory reports whether e holds a factory rather than a direct instance.
func (e Entry) IsFactory() bool { return e.factory != nil }

// Resolve returns the instance for e. For a direct instance this is the
// stored value; for a factory it is the result of calling the factory with
// ctx and contextData.
func (e Entry) Resolve(ctx context.Context, contextData any) (any, error) {
	if e.factory == nil {
		return e.value, nil
	}
	return e.factory(ctx, contextData)
}

// A Registry maps instance IDs to entries. A zero Registry is ready for use.
// It is safe for concurrent use by multiple goroutines.
type Registry struct {
	μ       sync.Mutex
	entries map[string]Entry
}

// New constructs a new empty registry.
func New() *Registry { return new(Registry) }

// Register adds or replaces the entry for id, and returns r to allow
// chaining.
//
// If v is an Entry it is stored as given. If v is a Factory, or a function
// with the same signature, it is stored as a factory. Any other value,
// including nil, is stored as a direct instance.
func (r *Registry) Register(id string, v any) *Registry {
	var e Entry
	switch t := v.(type) {
	case Entry:
		e = t
	case Factory:
		e = Func(t)
	case func(context.Context, any) (any, error):
		e = Func(t)
	default:
		e = Value(v)
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Entry)
	}
	r.entries[id] = e
	return r
}

// Unregister removes the entry for id, if any, and returns r to allow
// chaining.
func (r *Registry) Unregister(id string) *Registry {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.entries, id)
	return r
}

// Lookup reports the entry for id and whether it is present. Lookup does not
// invoke factories.
func (r *Registry) Lookup(id string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Instance resolves the instance registered for id. If no entry is present
// it reports an error wrapping ErrNotFound. If the entry is a factory, it is
// called with ctx and contextData and its result is returned.
func (r *Registry) Instance(ctx context.Context, id string, contextData any) (any, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return e.Resolve(ctx, contextData)
}

// IDs returns the registered instance IDs in lexicographic order.
func (r *Registry) IDs() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len reports the number of entries in r.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.entries)
}
