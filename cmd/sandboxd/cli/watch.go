package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/cleanup"
	"github.com/devgrid/sandboxd/internal/events"
	"github.com/devgrid/sandboxd/internal/instance"
	"github.com/devgrid/sandboxd/internal/log"
	"github.com/devgrid/sandboxd/internal/name"
	"github.com/devgrid/sandboxd/internal/registry"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the reconciliation daemon",
	Long: `Subscribe to the container runtime's event stream and keep sandbox state
in sync: registry status, backend status and port publication, and team
cleanup policy after terminal events.

Existing sandbox containers are re-registered at startup. Without
SANDBOXD_TOKEN they are tracked locally but backend sync is skipped until
an authenticated start refreshes their auth snapshot.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedRegistry(ctx, a); err != nil {
		return err
	}

	engine := cleanup.New(a.backend, a.reg)
	reconciler := events.New(a.docker, a.reg, a.backend, engine, instance.HostPorts)

	log.Info("reconciliation daemon started", "tracked", a.reg.Len())
	reconciler.Run(authContext(ctx))
	log.Info("reconciliation daemon stopped")
	return nil
}

// seedRegistry registers descriptors for sandbox containers that already
// exist, so their runtime events are not discarded as unknown.
func seedRegistry(ctx context.Context, a *app) error {
	containers, err := a.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	for _, c := range containers {
		for _, containerName := range c.Names {
			containerName = strings.TrimPrefix(containerName, "/")
			if !name.IsSandbox(containerName) {
				continue
			}
			status := registry.StatusStopped
			if c.State == "running" {
				status = registry.StatusRunning
			}
			taskRunID := name.TaskRunID(containerName)
			a.reg.Register(registry.Descriptor{
				ContainerName: containerName,
				InstanceID:    taskRunID,
				TaskRunID:     taskRunID,
				Status:        status,
			})
			log.Debug("re-registered existing sandbox", "name", containerName, "state", c.State)
			break
		}
	}
	return nil
}
