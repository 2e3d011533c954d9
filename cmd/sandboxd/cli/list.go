package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/name"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandbox containers",
	Long:  `List all sandbox containers on this host, running or stopped.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

type sandboxRow struct {
	TaskRunID string `json:"taskRunId"`
	Container string `json:"container"`
	Image     string `json:"image"`
	State     string `json:"state"`
	Created   string `json:"created"`
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	containers, err := a.docker.ContainerList(cmd.Context(), container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	var rows []sandboxRow
	for _, c := range containers {
		for _, containerName := range c.Names {
			containerName = strings.TrimPrefix(containerName, "/")
			if !name.IsSandbox(containerName) {
				continue
			}
			rows = append(rows, sandboxRow{
				TaskRunID: name.TaskRunID(containerName),
				Container: containerName,
				Image:     c.Image,
				State:     c.State,
				Created:   time.Unix(c.Created, 0).Format(time.RFC3339),
			})
			break
		}
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sandboxes found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK RUN\tCONTAINER\tIMAGE\tSTATE\tCREATED")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.TaskRunID, row.Container, row.Image, row.State, row.Created)
	}
	return w.Flush()
}
