package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/instance"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-run-id>",
	Short: "Show the state and ports of a task run's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	inst := instance.NewDocker(a.docker, a.backend, a.reg, a.images, instance.Config{
		TaskRunID: args[0],
	})

	status, err := inst.Status(cmd.Context())
	if err != nil {
		return err
	}

	ports := map[string]string{}
	if status.Running {
		if ports, err = inst.Ports(cmd.Context()); err != nil {
			return err
		}
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
			instance.StatusInfo
			Ports map[string]string `json:"ports"`
		}{status, ports})
	}

	if !status.Running {
		fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s is not running\n", inst.Name())
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s: %s\n", inst.Name(), status.State)
	for service, hostPort := range ports {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-9s 127.0.0.1:%s\n", service, hostPort)
	}
	return nil
}
