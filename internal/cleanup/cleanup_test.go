package cleanup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devgrid/sandboxd/internal/authctx"
	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/registry"
)

type recordingStopper struct {
	mu    sync.Mutex
	calls int
}

func (s *recordingStopper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *recordingStopper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBackend struct {
	settings   backend.ContainerSettings
	toStop     []backend.InstanceRef
	candidates backend.CleanupCandidates

	mu       sync.Mutex
	requests []string
}

func (f *fakeBackend) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()

		switch {
		case r.URL.Path == "/teams/team-1/container-settings":
			json.NewEncoder(w).Encode(f.settings)
		case r.URL.Path == "/teams/team-1/containers-to-stop":
			json.NewEncoder(w).Encode(map[string]any{"containers": f.toStop})
		case r.URL.Path == "/teams/team-1/cleanup-priority":
			json.NewEncoder(w).Encode(f.candidates)
		default:
			http.NotFound(w, r)
		}
	}))
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func authedContext() context.Context {
	return authctx.With(context.Background(), authctx.Auth{Token: "tok"})
}

func register(reg *registry.Registry, containerName string) *recordingStopper {
	reg.Register(registry.Descriptor{
		ContainerName: containerName,
		InstanceID:    "inst-" + containerName,
		Status:        registry.StatusRunning,
	})
	s := &recordingStopper{}
	reg.BindStopper(containerName, s)
	return s
}

func TestRunSkipsWithoutAuth(t *testing.T) {
	fb := &fakeBackend{settings: backend.ContainerSettings{AutoCleanupEnabled: true}}
	srv := fb.serve()
	defer srv.Close()

	engine := New(backend.NewClient(srv.URL), registry.New())
	engine.Run(context.Background(), "team-1")

	assert.Equal(t, 0, fb.requestCount(), "no auth means no backend calls at all")
}

func TestRunSkipsWhenAutoCleanupDisabled(t *testing.T) {
	fb := &fakeBackend{settings: backend.ContainerSettings{AutoCleanupEnabled: false}}
	srv := fb.serve()
	defer srv.Close()

	reg := registry.New()
	stopper := register(reg, "sbx-run-1")
	fb.toStop = []backend.InstanceRef{{ID: "inst-1", ContainerName: "sbx-run-1"}}

	engine := New(backend.NewClient(srv.URL), reg)
	engine.Run(authedContext(), "team-1")

	assert.Equal(t, 0, stopper.count())
	assert.Equal(t, 1, fb.requestCount(), "only the settings query runs when disabled")
}

func TestTTLPassStopsExpiredInstances(t *testing.T) {
	fb := &fakeBackend{
		settings: backend.ContainerSettings{AutoCleanupEnabled: true, MaxRunningContainers: 10},
		toStop: []backend.InstanceRef{
			{ID: "inst-a", ContainerName: "sbx-run-a"},
			{ID: "inst-b", ContainerName: "sbx-run-b"},
		},
		candidates: backend.CleanupCandidates{Total: 2},
	}
	srv := fb.serve()
	defer srv.Close()

	reg := registry.New()
	stopperA := register(reg, "sbx-run-a")
	stopperB := register(reg, "sbx-run-b")

	engine := New(backend.NewClient(srv.URL), reg)
	engine.Run(authedContext(), "team-1")

	assert.Equal(t, 1, stopperA.count())
	assert.Equal(t, 1, stopperB.count())
}

func TestCapacityPassStopsExcessByPriority(t *testing.T) {
	// Three running, max two: exactly one stop, taken from the front of the
	// backend's priority order (the review-period instance).
	fb := &fakeBackend{
		settings: backend.ContainerSettings{AutoCleanupEnabled: true, MaxRunningContainers: 2},
		candidates: backend.CleanupCandidates{
			Total: 3,
			PrioritizedForCleanup: []backend.InstanceRef{
				{ID: "inst-review", ContainerName: "sbx-run-review"},
				{ID: "inst-active", ContainerName: "sbx-run-active"},
			},
		},
	}
	srv := fb.serve()
	defer srv.Close()

	reg := registry.New()
	review := register(reg, "sbx-run-review")
	active := register(reg, "sbx-run-active")

	engine := New(backend.NewClient(srv.URL), reg)
	engine.Run(authedContext(), "team-1")

	assert.Equal(t, 1, review.count(), "review-period instance stops first")
	assert.Equal(t, 0, active.count())
}

func TestCapacityPassSkipsUnregisteredInstances(t *testing.T) {
	fb := &fakeBackend{
		settings: backend.ContainerSettings{AutoCleanupEnabled: true, MaxRunningContainers: 1},
		candidates: backend.CleanupCandidates{
			Total: 2,
			PrioritizedForCleanup: []backend.InstanceRef{
				{ID: "inst-gone", ContainerName: "sbx-run-gone"},
				{ID: "inst-here", ContainerName: "sbx-run-here"},
			},
		},
	}
	srv := fb.serve()
	defer srv.Close()

	reg := registry.New()
	here := register(reg, "sbx-run-here")

	engine := New(backend.NewClient(srv.URL), reg)
	engine.Run(authedContext(), "team-1")

	// The unregistered candidate cannot be stopped locally; the pass moves
	// on to the next one.
	assert.Equal(t, 1, here.count())
}

func TestRunWithinCapacityStopsNothing(t *testing.T) {
	fb := &fakeBackend{
		settings:   backend.ContainerSettings{AutoCleanupEnabled: true, MaxRunningContainers: 5},
		candidates: backend.CleanupCandidates{Total: 2},
	}
	srv := fb.serve()
	defer srv.Close()

	reg := registry.New()
	stopper := register(reg, "sbx-run-a")

	engine := New(backend.NewClient(srv.URL), reg)
	engine.Run(authedContext(), "team-1")

	require.Equal(t, 0, stopper.count())
}
