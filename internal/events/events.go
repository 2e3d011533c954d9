// Package events keeps the instance registry and the backend consistent
// with what the container runtime actually reports. One subscription to the
// runtime event bus lives for the whole process, reconnecting with bounded
// backoff.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/log"
	"github.com/devgrid/sandboxd/internal/name"
	"github.com/devgrid/sandboxd/internal/registry"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
)

// DockerAPI is the slice of the docker client the reconciler needs.
type DockerAPI interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// CleanupRunner is invoked after terminal container events.
type CleanupRunner interface {
	Run(ctx context.Context, teamID string)
}

// PortExtractor converts an inspect response into the named host port map.
// Injected so the reconciler shares the instance package's extraction
// without importing it.
type PortExtractor func(inspect container.InspectResponse) map[string]string

// Reconciler owns the runtime event subscription.
type Reconciler struct {
	cli     DockerAPI
	reg     *registry.Registry
	backend *backend.Client
	cleanup CleanupRunner
	ports   PortExtractor

	mu           sync.Mutex
	noAuthWarned map[string]bool
}

// New creates a reconciler. cleanup may be nil to disable policy passes.
func New(cli DockerAPI, reg *registry.Registry, be *backend.Client, cleanup CleanupRunner, ports PortExtractor) *Reconciler {
	return &Reconciler{
		cli:          cli,
		reg:          reg,
		backend:      be,
		cleanup:      cleanup,
		ports:        ports,
		noAuthWarned: make(map[string]bool),
	}
}

// warnNoAuth logs the missing-auth skip at warn once per container, then at
// debug. Descriptors restored after a daemon restart have no snapshot, so
// their backend state stays stale until an authenticated call arrives; that
// deserves one visible line, not a flood.
func (r *Reconciler) warnNoAuth(containerName string) {
	r.mu.Lock()
	first := !r.noAuthWarned[containerName]
	r.noAuthWarned[containerName] = true
	r.mu.Unlock()
	if first {
		log.Warn("no auth snapshot, backend sync skipped until reauthenticated", "name", containerName)
	} else {
		log.Debug("no auth snapshot, skipping backend sync", "name", containerName)
	}
}

// backoffDelay returns the reconnect delay after n consecutive failures:
// 1s doubling per failure, capped at 30s.
func backoffDelay(n int) time.Duration {
	delay := backoffInitial
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

// reconnectDelay advances the consecutive-failure count and returns the
// delay before the next connection attempt. A connection that streamed at
// least one event resets the sequence, so a long-lived subscription that
// finally drops reconnects at the initial delay instead of wherever the
// doubling had reached.
func reconnectDelay(failures int, healthy bool) (int, time.Duration) {
	if healthy {
		failures = 0
	}
	failures++
	return failures, backoffDelay(failures - 1)
}

// Run subscribes to the runtime event stream and processes events until ctx
// is cancelled. Stream errors never escape; the subscription reconnects
// with exponential backoff, reset after each successful connection.
func (r *Reconciler) Run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		healthy, err := r.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		var delay time.Duration
		failures, delay = reconnectDelay(failures, healthy)

		if err != nil {
			// Socket resets are routine reconnect races, not faults.
			if isConnReset(err) {
				log.Debug("event stream reset, reconnecting", "delay", delay, "error", err)
			} else {
				log.Warn("event stream failed, reconnecting", "delay", delay, "error", err)
			}
		} else {
			log.Debug("event stream closed, reconnecting", "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream runs one subscription until it errors or closes. The first
// delivered event marks the connection healthy, which resets the caller's
// backoff sequence.
func (r *Reconciler) stream(ctx context.Context) (healthy bool, err error) {
	filter := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	msgCh, errCh := r.cli.Events(ctx, events.ListOptions{Filters: filter})
	log.Debug("event stream connected")

	for {
		select {
		case <-ctx.Done():
			return healthy, nil
		case err := <-errCh:
			if err == nil {
				return healthy, nil
			}
			return healthy, err
		case msg, ok := <-msgCh:
			if !ok {
				return healthy, nil
			}
			healthy = true
			r.handle(ctx, msg)
		}
	}
}

// handle processes one container event. Containers outside the sandbox
// naming convention, or without a registry descriptor, are ignored.
func (r *Reconciler) handle(ctx context.Context, msg events.Message) {
	containerName := msg.Actor.Attributes["name"]
	if !name.IsSandbox(containerName) {
		return
	}
	if _, ok := r.reg.Get(containerName); !ok {
		return
	}

	switch msg.Action {
	case events.ActionStart:
		r.handleStart(ctx, containerName)
	case events.ActionStop, events.ActionDie, events.ActionDestroy:
		r.handleStopped(ctx, containerName, string(msg.Action))
	}
}

func (r *Reconciler) handleStart(ctx context.Context, containerName string) {
	inspect, err := r.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		log.Warn("inspecting started container", "name", containerName, "error", err)
		return
	}

	ports := map[string]string{}
	if r.ports != nil {
		ports = r.ports(inspect)
	}
	updated, _ := r.reg.Update(containerName, func(d *registry.Descriptor) {
		if len(ports) > 0 {
			d.Ports = ports
		}
		d.Status = registry.StatusRunning
	})
	log.Debug("reconciled start event", "name", containerName, "ports", fmt.Sprint(ports))

	authCtx, ok := updated.AuthContext(ctx)
	if !ok {
		// No snapshot means no attributable backend call; the registry is
		// still correct and the next authenticated path reconciles.
		r.warnNoAuth(containerName)
		return
	}
	if len(ports) > 0 {
		if err := r.backend.UpdatePorts(authCtx, updated.InstanceID, ports); err != nil {
			log.Warn("publishing reconciled ports", "name", containerName, "error", err)
		}
	}
	if err := r.backend.UpdateStatus(authCtx, updated.InstanceID, string(registry.StatusRunning), nil); err != nil {
		log.Warn("publishing reconciled status", "name", containerName, "error", err)
	}
}

func (r *Reconciler) handleStopped(ctx context.Context, containerName string, action string) {
	updated, _ := r.reg.Update(containerName, func(d *registry.Descriptor) {
		d.Status = registry.StatusStopped
	})
	log.Debug("reconciled terminal event", "name", containerName, "action", action)

	authCtx, ok := updated.AuthContext(ctx)
	if ok {
		stoppedAt := time.Now()
		if err := r.backend.UpdateStatus(authCtx, updated.InstanceID, string(registry.StatusStopped), &stoppedAt); err != nil {
			log.Warn("publishing stopped status", "name", containerName, "error", err)
		}
	} else {
		r.warnNoAuth(containerName)
	}

	if r.cleanup != nil {
		r.cleanup.Run(authCtx, updated.TeamSlugOrID)
	}
}

func isConnReset(err error) bool {
	text := err.Error()
	return strings.Contains(text, "connection reset") ||
		strings.Contains(text, "use of closed network connection") ||
		strings.Contains(text, "broken pipe")
}
