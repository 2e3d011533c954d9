package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devgrid/sandboxd/internal/authctx"
	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/registry"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.failures); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

type fakeDocker struct {
	mu       sync.Mutex
	inspects []string
	running  bool
}

func (f *fakeDocker) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return nil, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	f.inspects = append(f.inspects, containerID)
	f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Running: f.running},
		},
	}, nil
}

func (f *fakeDocker) inspectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inspects)
}

type fakeCleanup struct {
	mu    sync.Mutex
	teams []string
}

func (f *fakeCleanup) Run(ctx context.Context, teamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams = append(f.teams, teamID)
}

func (f *fakeCleanup) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.teams...)
}

type backendRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (b *backendRecorder) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func (b *backendRecorder) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.paths...)
}

func staticPorts(ports map[string]string) PortExtractor {
	return func(container.InspectResponse) map[string]string { return ports }
}

func containerEvent(action events.Action, containerName string) events.Message {
	return events.Message{
		Type:   events.ContainerEventType,
		Action: action,
		Actor:  events.Actor{Attributes: map[string]string{"name": containerName}},
	}
}

func newTestReconciler(t *testing.T, docker DockerAPI, reg *registry.Registry, cleanup CleanupRunner, ports PortExtractor) (*Reconciler, *backendRecorder) {
	t.Helper()
	rec := &backendRecorder{}
	srv := rec.serve()
	t.Cleanup(srv.Close)
	return New(docker, reg, backend.NewClient(srv.URL), cleanup, ports), rec
}

func TestHandleIgnoresForeignContainers(t *testing.T) {
	docker := &fakeDocker{}
	reg := registry.New()
	r, rec := newTestReconciler(t, docker, reg, nil, nil)

	r.handle(context.Background(), containerEvent(events.ActionStart, "postgres"))
	r.handle(context.Background(), containerEvent(events.ActionDie, "my-other-tool"))

	assert.Equal(t, 0, docker.inspectCount())
	assert.Empty(t, rec.calls())
}

func TestHandleIgnoresUnregisteredSandboxes(t *testing.T) {
	docker := &fakeDocker{}
	reg := registry.New()
	r, rec := newTestReconciler(t, docker, reg, nil, nil)

	r.handle(context.Background(), containerEvent(events.ActionStart, "sbx-run-unknown"))

	assert.Equal(t, 0, docker.inspectCount())
	assert.Empty(t, rec.calls())
}

func TestHandleStartUpdatesRegistryAndBackend(t *testing.T) {
	docker := &fakeDocker{running: true}
	reg := registry.New()
	reg.Register(registry.Descriptor{
		ContainerName: "sbx-run-1",
		InstanceID:    "inst-1",
		TeamSlugOrID:  "team-1",
		Auth:          authctx.Auth{Token: "tok"},
		Status:        registry.StatusStarting,
	})
	ports := map[string]string{"editor": "55001", "worker": "55002"}
	r, rec := newTestReconciler(t, docker, reg, nil, staticPorts(ports))

	r.handle(context.Background(), containerEvent(events.ActionStart, "sbx-run-1"))

	desc, ok := reg.Get("sbx-run-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, desc.Status)
	assert.Equal(t, ports, desc.Ports)
	assert.Equal(t, []string{"/instances/inst-1/ports", "/instances/inst-1/status"}, rec.calls())
}

func TestHandleStartWithoutAuthSkipsBackend(t *testing.T) {
	docker := &fakeDocker{running: true}
	reg := registry.New()
	reg.Register(registry.Descriptor{
		ContainerName: "sbx-run-1",
		InstanceID:    "inst-1",
		Status:        registry.StatusStarting,
	})
	r, rec := newTestReconciler(t, docker, reg, nil, staticPorts(map[string]string{"editor": "55001"}))

	r.handle(context.Background(), containerEvent(events.ActionStart, "sbx-run-1"))

	// The registry still reflects reality even though the backend call is
	// skipped.
	desc, _ := reg.Get("sbx-run-1")
	assert.Equal(t, registry.StatusRunning, desc.Status)
	assert.Empty(t, rec.calls())
}

func TestHandleTerminalEventStopsAndCleansUp(t *testing.T) {
	for _, action := range []events.Action{events.ActionStop, events.ActionDie, events.ActionDestroy} {
		t.Run(string(action), func(t *testing.T) {
			docker := &fakeDocker{}
			reg := registry.New()
			reg.Register(registry.Descriptor{
				ContainerName: "sbx-run-1",
				InstanceID:    "inst-1",
				TeamSlugOrID:  "team-1",
				Auth:          authctx.Auth{Token: "tok"},
				Status:        registry.StatusRunning,
			})
			cleanup := &fakeCleanup{}
			r, rec := newTestReconciler(t, docker, reg, cleanup, nil)

			r.handle(context.Background(), containerEvent(action, "sbx-run-1"))

			desc, _ := reg.Get("sbx-run-1")
			assert.Equal(t, registry.StatusStopped, desc.Status)
			assert.Equal(t, []string{"/instances/inst-1/status"}, rec.calls())
			assert.Equal(t, []string{"team-1"}, cleanup.calls())
		})
	}
}

func TestStreamProcessesEventsUntilClose(t *testing.T) {
	msgCh := make(chan events.Message, 1)
	docker := &eventsDocker{msgCh: msgCh, errCh: make(chan error)}
	reg := registry.New()
	reg.Register(registry.Descriptor{
		ContainerName: "sbx-run-1",
		InstanceID:    "inst-1",
		Status:        registry.StatusRunning,
	})
	cleanup := &fakeCleanup{}
	r, _ := newTestReconciler(t, docker, reg, cleanup, nil)

	msgCh <- containerEvent(events.ActionDie, "sbx-run-1")
	close(msgCh)

	healthy, err := r.stream(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy, "a delivered event marks the connection healthy")

	desc, _ := reg.Get("sbx-run-1")
	assert.Equal(t, registry.StatusStopped, desc.Status)
	assert.Equal(t, []string{""}, cleanup.calls(), "cleanup runs with the descriptor's team")
}

func TestStreamReturnsStreamError(t *testing.T) {
	errCh := make(chan error, 1)
	docker := &eventsDocker{msgCh: make(chan events.Message), errCh: errCh}
	r, _ := newTestReconciler(t, docker, registry.New(), nil, nil)

	errCh <- assert.AnError
	healthy, err := r.stream(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, healthy, "a connection that never delivered an event is not healthy")
}

func TestReconnectDelayResetsAfterHealthyStream(t *testing.T) {
	failures := 0
	var delay time.Duration

	failures, delay = reconnectDelay(failures, false)
	assert.Equal(t, 1*time.Second, delay)
	failures, delay = reconnectDelay(failures, false)
	assert.Equal(t, 2*time.Second, delay)
	failures, delay = reconnectDelay(failures, false)
	assert.Equal(t, 4*time.Second, delay)

	// A connection that streamed events restarts the sequence.
	failures, delay = reconnectDelay(failures, true)
	assert.Equal(t, 1*time.Second, delay)
	failures, delay = reconnectDelay(failures, false)
	assert.Equal(t, 2*time.Second, delay)
}

type eventsDocker struct {
	fakeDocker
	msgCh chan events.Message
	errCh chan error
}

func (d *eventsDocker) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return d.msgCh, d.errCh
}

func TestIsConnReset(t *testing.T) {
	assert.True(t, isConnReset(errContaining("read tcp 127.0.0.1: connection reset by peer")))
	assert.True(t, isConnReset(errContaining("use of closed network connection")))
	assert.False(t, isConnReset(errContaining("permission denied")))
}

type errContaining string

func (e errContaining) Error() string { return string(e) }
