// Package services is a name-keyed registry of collaborators that
// interceptors look up at run time.
package services

import (
	"fmt"
	"sync"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
)

// Registry stores service instances by name and remembers registration order.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]any
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]any)}
}

// Register adds instance under name. Names are unique; re-registering fails.
func (r *Registry) Register(name string, instance any) error {
	if name == "" {
		return pferrors.ErrServiceNameRequired
	}
	if instance == nil {
		return fmt.Errorf("%w: %s", pferrors.ErrServiceRequired, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[name]; exists {
		return fmt.Errorf("%w: %s", pferrors.ErrServiceExists, name)
	}
	r.byKey[name] = instance
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register for setup code that cannot recover from a bad name.
func (r *Registry) MustRegister(name string, instance any) {
	if err := r.Register(name, instance); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byKey[name]
	return v, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetAs returns the named service as T. A type mismatch reports false.
func GetAs[T any](r *Registry, name string) (T, bool) {
	var zero T
	v, ok := r.Get(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// GetByType returns the first registered service assignable to T.
func GetByType[T any](r *Registry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if typed, ok := r.byKey[name].(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// Clone returns an independent registry holding the same instances.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Registry{
		byKey: make(map[string]any, len(r.byKey)),
		order: append([]string(nil), r.order...),
	}
	for k, v := range r.byKey {
		clone.byKey[k] = v
	}
	return clone
}
