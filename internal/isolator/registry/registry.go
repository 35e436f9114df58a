// Package registry is the single source of truth for sandbox records.
// All components consult it; stale entries are removed only by the reaper.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
)

type entry struct {
	sandbox *spec.Sandbox
	// lock serializes operations on one sandbox. Blocked senders on a full
	// channel are woken in arrival order, which gives FIFO semantics that
	// sync.Mutex does not guarantee.
	lock chan struct{}
}

// Registry is a concurrency-safe map from sandbox id to record with
// per-sandbox mutual exclusion. Operations on distinct sandboxes proceed
// independently; there is no global lock held across engine calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create inserts a new sandbox record. A duplicate id is a conflict.
func (r *Registry) Create(sandbox *spec.Sandbox) error {
	if sandbox == nil || sandbox.ID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("sandbox id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sandbox.ID]; ok {
		return appErr.New(appErr.Conflict).WithSandbox(sandbox.ID).WithMessage("sandbox already registered")
	}
	r.entries[sandbox.ID] = &entry{
		sandbox: sandbox,
		lock:    make(chan struct{}, 1),
	}
	return nil
}

// Get returns a snapshot copy of the sandbox record.
func (r *Registry) Get(id string) (spec.Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return spec.Sandbox{}, false
	}
	return snapshot(e.sandbox), true
}

// Update applies fn to the sandbox record atomically with respect to other
// registry readers and writers. It does not take the per-sandbox lock; use
// WithLock around multi-step operations.
func (r *Registry) Update(id string, fn func(*spec.Sandbox)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return appErr.New(appErr.SandboxNotFound).WithSandbox(id)
	}
	if e.sandbox == nil {
		// A registered entry without a record means internal state is
		// beyond in-process repair.
		panic(fmt.Sprintf("registry entry %s has no sandbox record", id))
	}
	fn(e.sandbox)
	return nil
}

// Delete removes the record. Only destroy paths and the reaper call this.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// List returns snapshot copies of all records, ordered by id.
func (r *Registry) List() []spec.Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]spec.Sandbox, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, snapshot(e.sandbox))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lock acquires the per-sandbox lock, blocking until it is free or ctx is
// done. The returned release function must be called exactly once.
func (r *Registry) Lock(ctx context.Context, id string) (func(), error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.New(appErr.SandboxNotFound).WithSandbox(id)
	}

	select {
	case e.lock <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-e.lock })
		}, nil
	case <-ctx.Done():
		return nil, appErr.Wrap(ctx.Err(), appErr.Timeout).WithSandbox(id).WithMessage("waiting for sandbox lock")
	}
}

// WithLock runs fn while holding the per-sandbox lock.
func (r *Registry) WithLock(ctx context.Context, id string, fn func() error) error {
	release, err := r.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func snapshot(s *spec.Sandbox) spec.Sandbox {
	out := *s
	if s.Container != nil {
		c := *s.Container
		out.Container = &c
	}
	return out
}
