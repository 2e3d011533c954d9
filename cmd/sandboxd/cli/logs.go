package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/instance"
)

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs <task-run-id>",
	Short: "Show output from a task run's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "number of lines to show")
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	inst := instance.NewDocker(a.docker, a.backend, a.reg, a.images, instance.Config{
		TaskRunID: args[0],
	})
	logs, err := inst.Logs(cmd.Context(), logsLines)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), logs)
	return nil
}
