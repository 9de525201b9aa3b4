// Package handler defines the worker-side task handler contract and a
// name-keyed registry workers use to route a dispatched task's Kind to
// the code that actually executes it. New task kinds are added by writing
// a Handler and calling Registry.Register on the worker's handler registry
// at startup — the core worker runtime never needs to change.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/peagen/peagen/internal/domain"
)

// Result is what a Handler returns on completion. Artifacts is a list of
// opaque URIs (content-addressed storage, local paths) the gateway
// records alongside the task's terminal revision.
type Result struct {
	Output    []byte
	Artifacts []string
}

// Handler executes one task's Args and returns its Result, or an error if
// execution failed. ctx is cancelled when the task's deadline elapses or
// a Work.cancel call arrives for the task — handlers must respect
// ctx.Done(). Worker shutdown does not cancel it.
type Handler interface {
	Handle(ctx context.Context, args []byte) (Result, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, args []byte) (Result, error)

// Handle calls f(ctx, args).
func (f HandlerFunc) Handle(ctx context.Context, args []byte) (Result, error) {
	return f(ctx, args)
}

// Registry maps a TaskKind to the Handler that executes it. Safe for
// concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskKind]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskKind]Handler)}
}

// Register associates kind with h. Registering the same kind twice
// replaces the previous handler.
func (r *Registry) Register(kind domain.TaskKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler registered for kind, or false if none is.
func (r *Registry) Lookup(kind domain.TaskKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Capabilities returns the kinds this registry can execute, in no
// particular order, reported by the worker at registration time.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, string(k))
	}
	return out
}

// Dispatch looks up kind and runs its handler, translating a missing
// registration into an error rather than a panic.
func (r *Registry) Dispatch(ctx context.Context, kind domain.TaskKind, args []byte) (Result, error) {
	h, ok := r.Lookup(kind)
	if !ok {
		return Result{}, fmt.Errorf("handler: no handler registered for kind %q", kind)
	}
	return h.Handle(ctx, args)
}
