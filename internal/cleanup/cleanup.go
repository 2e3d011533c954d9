// Package cleanup stops excess or expired sandbox instances according to
// team policy fetched from the backend.
package cleanup

import (
	"context"

	"github.com/devgrid/sandboxd/internal/authctx"
	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/log"
	"github.com/devgrid/sandboxd/internal/registry"
)

// Engine evaluates team reclamation policy. It only reaches instances with
// an in-process registration; containers surviving a daemon restart are
// outside its reach until re-registered.
type Engine struct {
	backend *backend.Client
	reg     *registry.Registry
}

// New creates a cleanup engine.
func New(be *backend.Client, reg *registry.Registry) *Engine {
	return &Engine{backend: be, reg: reg}
}

// Run executes both policy passes for a team. The caller's context must
// carry auth; without it the engine skips entirely since every decision
// comes from authenticated backend queries.
func (e *Engine) Run(ctx context.Context, teamID string) {
	if _, ok := authctx.FromContext(ctx); !ok {
		log.Debug("no auth in context, skipping cleanup", "team", teamID)
		return
	}
	if teamID == "" {
		return
	}

	settings, err := e.backend.GetEffectiveContainerSettings(ctx, teamID)
	if err != nil {
		log.Warn("fetching container settings", "team", teamID, "error", err)
		return
	}
	if !settings.AutoCleanupEnabled {
		log.Debug("auto cleanup disabled", "team", teamID)
		return
	}

	e.expireTTL(ctx, teamID)
	e.enforceCapacity(ctx, teamID, settings.MaxRunningContainers)
}

// expireTTL stops every running instance the backend reports as past its
// time-to-live.
func (e *Engine) expireTTL(ctx context.Context, teamID string) {
	expired, err := e.backend.GetContainersToStop(ctx, teamID)
	if err != nil {
		log.Warn("fetching expired containers", "team", teamID, "error", err)
		return
	}
	for _, ref := range expired {
		e.stopInstance(ctx, ref, "ttl expired")
	}
}

// enforceCapacity stops instances from the front of the backend's cleanup
// priority list until the running count is within the team maximum.
func (e *Engine) enforceCapacity(ctx context.Context, teamID string, maxRunning int) {
	if maxRunning <= 0 {
		return
	}

	candidates, err := e.backend.GetRunningContainersByCleanupPriority(ctx, teamID)
	if err != nil {
		log.Warn("fetching cleanup candidates", "team", teamID, "error", err)
		return
	}

	excess := candidates.Total - maxRunning
	if excess <= 0 {
		return
	}
	log.Info("over capacity, reclaiming instances",
		"team", teamID, "running", candidates.Total, "max", maxRunning, "excess", excess)

	for _, ref := range candidates.PrioritizedForCleanup {
		if excess <= 0 {
			return
		}
		if e.stopInstance(ctx, ref, "over capacity") {
			excess--
		}
	}
}

// stopInstance stops the in-process instance registered for a backend ref.
// Returns false when no local registration exists.
func (e *Engine) stopInstance(ctx context.Context, ref backend.InstanceRef, reason string) bool {
	stopper, ok := e.reg.GetStopper(ref.ContainerName)
	if !ok {
		log.Debug("no local registration for cleanup target",
			"container", ref.ContainerName, "reason", reason)
		return false
	}
	log.Info("stopping instance", "container", ref.ContainerName, "reason", reason)
	if err := stopper.Stop(ctx); err != nil {
		log.Warn("stopping instance", "container", ref.ContainerName, "error", err)
		return false
	}
	return true
}
