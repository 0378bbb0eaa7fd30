// Package state holds shared application values keyed by their type so that RPC handlers can ask for the value they
// need without the method table knowing anything about handler signatures.
//
// A Registry is filled while a method table is being built and frozen before the first request is served.  After that
// it is only read, so lookups from many connections need no locking.  Values that must change while serving carry
// their own synchronization, such as a mutex around their fields; the registry never arbitrates mutation.
package state

import (
	"fmt"
	"reflect"
)

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{values: make(map[reflect.Type]any)}
}

// A Registry maps a type to the single shared value of that type.
type Registry struct {
	frozen bool
	values map[reflect.Type]any
}

// Insert adds value to the registry under the type T.  Handlers that declare a *T will receive this pointer.
//
// Insert panics if a value of type T is already present, if value is nil, or if the registry has been frozen; all
// three are wiring mistakes that no request can cause.
func Insert[T any](r *Registry, value *T) {
	key := reflect.TypeFor[T]()
	switch {
	case r.frozen:
		panic(fmt.Sprintf(`state: cannot insert %v after the registry is frozen`, key))
	case value == nil:
		panic(fmt.Sprintf(`state: nil %v inserted`, key))
	}
	if _, dup := r.values[key]; dup {
		panic(fmt.Sprintf(`state: %v inserted twice`, key))
	}
	r.values[key] = value
}

// Get returns the value registered for T, if any.
func Get[T any](r *Registry) (*T, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// MustGet returns the value registered for T and panics if there is none.  Method tables call this while they are
// being built so that a handler asking for unregistered state fails at startup instead of on each request.
func MustGet[T any](r *Registry) *T {
	v, ok := Get[T](r)
	if !ok {
		panic(fmt.Sprintf(`state: no %v registered`, reflect.TypeFor[T]()))
	}
	return v
}

// Freeze prevents any further Insert calls.
func (r *Registry) Freeze() { r.frozen = true }

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen }

// Len returns the number of registered values.
func (r *Registry) Len() int { return len(r.values) }
