// Package registry tracks the process's live sandbox instances by container
// name. It is a lookup table only; it never starts or stops containers.
package registry

import (
	"context"
	"sync"

	"github.com/devgrid/sandboxd/internal/authctx"
)

// Status is a descriptor lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// rank orders statuses so transitions can be validated. A descriptor never
// moves backward (running never returns to starting).
func (s Status) rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusRunning:
		return 1
	case StatusStopped:
		return 2
	}
	return -1
}

// Descriptor is the transient record for one sandbox container. Auth is the
// snapshot captured at start time; event-driven backend calls re-enter the
// auth context from it because they have no originating request.
type Descriptor struct {
	ContainerName string
	InstanceID    string
	TaskRunID     string
	TeamSlugOrID  string
	Auth          authctx.Auth
	Ports         map[string]string
	Status        Status
	WorkspacePath string
}

// AuthContext returns a context carrying the descriptor's auth snapshot, or
// the parent unchanged if no snapshot was captured.
func (d *Descriptor) AuthContext(parent context.Context) (context.Context, bool) {
	if !d.Auth.Valid() {
		return parent, false
	}
	return authctx.With(parent, d.Auth), true
}

// Stopper is the stop half of an instance, bound into the registry so the
// event loop and cleanup passes can stop instances they did not create.
type Stopper interface {
	Stop(ctx context.Context) error
}

type entry struct {
	desc    Descriptor
	stopper Stopper
}

// Registry is the process-wide container-name index. All descriptor
// mutations go through Update, which runs the caller's closure under the
// registry lock so concurrent writers to the same name serialize instead of
// clobbering each other.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register inserts or replaces the descriptor for its container name.
func (r *Registry) Register(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if desc.Ports == nil {
		desc.Ports = make(map[string]string)
	}
	e := r.entries[desc.ContainerName]
	if e == nil {
		e = &entry{}
		r.entries[desc.ContainerName] = e
	}
	e.desc = desc
}

// BindStopper attaches a stop handle to an already-registered descriptor.
func (r *Registry) BindStopper(containerName string, s Stopper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[containerName]; ok {
		e.stopper = s
	}
}

// Get returns a copy of the descriptor for a container name.
func (r *Registry) Get(containerName string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[containerName]
	if !ok {
		return Descriptor{}, false
	}
	return copyDesc(e.desc), true
}

// GetStopper returns the stop handle bound to a container name.
func (r *Registry) GetStopper(containerName string) (Stopper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[containerName]
	if !ok || e.stopper == nil {
		return nil, false
	}
	return e.stopper, true
}

// Update applies fn to the descriptor under the registry lock and returns
// the updated copy. Status regressions requested by fn are discarded: once
// running, a descriptor cannot return to starting. Returns false if the
// name is not registered.
func (r *Registry) Update(containerName string, fn func(*Descriptor)) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[containerName]
	if !ok {
		return Descriptor{}, false
	}
	before := e.desc.Status
	fn(&e.desc)
	if e.desc.Status.rank() < before.rank() {
		e.desc.Status = before
	}
	return copyDesc(e.desc), true
}

// Remove deletes the entry for a container name. Removing an unknown name
// is a no-op.
func (r *Registry) Remove(containerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, containerName)
}

// List returns copies of all registered descriptors.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyDesc(e.desc))
	}
	return out
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func copyDesc(d Descriptor) Descriptor {
	ports := make(map[string]string, len(d.Ports))
	for k, v := range d.Ports {
		ports[k] = v
	}
	d.Ports = ports
	return d
}
