// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hooks provides an observer registry for extension points.
package hooks

import (
	"fmt"
	"log/slog"
	"sync"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the callbacks registered for one event kind.
//
// Every registration gets its own id, so registering the same closure twice
// yields two independent entries and disposing one leaves the other in place.
type Registry[F any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

// Add registers fn and returns a disposer that removes exactly this
// registration. Calling the disposer more than once is a no-op.
func (r *Registry[F]) Add(fn F) (dispose func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[F]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[F]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns the registered callbacks in registration order.
// The returned slice is safe to iterate while callbacks add or remove hooks.
func (r *Registry[F]) Snapshot() []F {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]F, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

// Len returns the number of registered callbacks.
func (r *Registry[F]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every registration. Outstanding disposers become no-ops.
func (r *Registry[F]) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// =============================================================================
// DISPATCH
// =============================================================================

// Each invokes call for every callback in registration order and stops at the
// first error, which is returned unchanged.
func (r *Registry[F]) Each(call func(F) error) error {
	for _, fn := range r.Snapshot() {
		if err := call(fn); err != nil {
			return err
		}
	}
	return nil
}

// EachIsolated invokes call for every callback. Errors and panics from one
// callback are logged under name and never stop the remaining callbacks.
func (r *Registry[F]) EachIsolated(logger *slog.Logger, name string, call func(F) error) {
	for _, fn := range r.Snapshot() {
		if err := Safe(func() error { return call(fn) }); err != nil && logger != nil {
			logger.Error("hook failed", "hook", name, "error", err)
		}
	}
}

// Safe runs fn and converts a panic into an error.
func Safe(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	return fn()
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("hook panicked: %v", e.Value)
}

// Unwrap returns the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// =============================================================================
// DISPOSERS
// =============================================================================

// Disposers collects disposer funcs so they can be released together.
type Disposers []func()

// Add appends a disposer.
func (d *Disposers) Add(fn func()) {
	*d = append(*d, fn)
}

// Dispose calls every collected disposer in reverse order and empties the set.
func (d *Disposers) Dispose() {
	list := *d
	*d = nil
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] != nil {
			list[i]()
		}
	}
}
