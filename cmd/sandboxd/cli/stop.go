package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/instance"
)

var stopInstanceID string

var stopCmd = &cobra.Command{
	Use:   "stop <task-run-id>",
	Short: "Stop a task run's sandbox",
	Long: `Stop and remove the sandbox container for a task run. Stopping a sandbox
that is already stopped is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopInstanceID, "instance-id", "", "backend instance ID (defaults to the task run ID)")
}

func runStop(cmd *cobra.Command, args []string) error {
	taskRunID := args[0]
	instanceID := stopInstanceID
	if instanceID == "" {
		instanceID = taskRunID
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	inst := instance.NewDocker(a.docker, a.backend, a.reg, a.images, instance.Config{
		InstanceID: instanceID,
		TaskRunID:  taskRunID,
	})
	if err := inst.Stop(authContext(cmd.Context())); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s stopped\n", inst.Name())
	return nil
}
