package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devgrid/sandboxd/internal/instance"
)

var (
	startInstanceID string
	startTeam       string
	startWorkspace  string
	startImage      string
	startAgent      string
	startTheme      string
	startEnv        []string
)

var startCmd = &cobra.Command{
	Use:   "start <task-run-id>",
	Short: "Start a sandbox for a task run",
	Long: `Start a sandbox container for a task run. The container name is derived
deterministically from the task run ID; an existing container with the same
name is replaced.

Auth for backend publication is read from SANDBOXD_TOKEN and
SANDBOXD_AUTH_HEADER.

Examples:
  sandboxd start run-42 --workspace ~/repos/app/worktrees/run-42 --image ghcr.io/devgrid/sandbox:latest
  sandboxd start run-42 --workspace . --image sandbox:latest --env FOO=bar --env BAZ=qux`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&startInstanceID, "instance-id", "", "backend instance ID (defaults to the task run ID)")
	startCmd.Flags().StringVar(&startTeam, "team", "", "team slug or ID for cleanup policy")
	startCmd.Flags().StringVar(&startWorkspace, "workspace", "", "workspace directory to mount (required)")
	startCmd.Flags().StringVar(&startImage, "image", "", "sandbox image reference (required)")
	startCmd.Flags().StringVar(&startAgent, "agent", "", "agent name exposed to the sandbox")
	startCmd.Flags().StringVar(&startTheme, "theme", "", "editor theme")
	startCmd.Flags().StringArrayVar(&startEnv, "env", nil, "extra environment variables (KEY=VALUE, repeatable)")
	_ = startCmd.MarkFlagRequired("workspace")
	_ = startCmd.MarkFlagRequired("image")
}

func runStart(cmd *cobra.Command, args []string) error {
	taskRunID := args[0]
	instanceID := startInstanceID
	if instanceID == "" {
		instanceID = taskRunID
	}

	workspace, err := absWorkspace(startWorkspace)
	if err != nil {
		return err
	}

	envVars := make(map[string]string, len(startEnv))
	for _, kv := range startEnv {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		envVars[key] = value
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	inst := instance.NewDocker(a.docker, a.backend, a.reg, a.images, instance.Config{
		InstanceID:    instanceID,
		TaskRunID:     taskRunID,
		TeamSlugOrID:  startTeam,
		WorkspacePath: workspace,
		Image:         startImage,
		AgentName:     startAgent,
		Theme:         startTheme,
		EnvVars:       envVars,
	})
	inst.SetAttachOutput(loadedConfig.Debug.AttachOutput)

	result, err := inst.Start(authContext(cmd.Context()))
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s started\n", inst.Name())
	fmt.Fprintf(cmd.OutOrStdout(), "  editor:    %s\n", result.EditorURL)
	fmt.Fprintf(cmd.OutOrStdout(), "  workspace: %s\n", result.WorkspaceURL)
	fmt.Fprintf(cmd.OutOrStdout(), "  worker:    %s\n", result.WorkerURL)
	return nil
}

func absWorkspace(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}
