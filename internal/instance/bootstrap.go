package instance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"gopkg.in/yaml.v3"

	"github.com/devgrid/sandboxd/internal/log"
)

// bootstrap runs the best-effort post-start setup inside the container:
// GitHub CLI authentication with a host-resident token, then devcontainer
// launch when the workspace declares one. Failures are logged only; the
// sandbox is usable without either.
func (d *Docker) bootstrap(ctx context.Context) {
	if token := hostGitHubToken(); token != "" {
		if err := d.authenticateGH(ctx, token); err != nil {
			log.Warn("github auth bootstrap failed", "name", d.name, "error", err)
		} else {
			log.Debug("github auth bootstrap complete", "name", d.name)
		}
	} else {
		log.Debug("no host github token, skipping gh bootstrap", "name", d.name)
	}

	devcontainer := filepath.Join(d.cfg.WorkspacePath, ".devcontainer", "devcontainer.json")
	if _, err := os.Stat(devcontainer); err != nil {
		return
	}
	if err := d.launchDevcontainer(ctx); err != nil {
		log.Warn("devcontainer bootstrap failed", "name", d.name, "error", err)
	} else {
		log.Debug("devcontainer bootstrap complete", "name", d.name)
	}
}

// authenticateGH feeds the token to gh over exec stdin so it never appears
// in a command line.
func (d *Docker) authenticateGH(ctx context.Context, token string) error {
	exitCode, output, err := d.execInContainer(ctx,
		[]string{"gh", "auth", "login", "--with-token"}, token)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("gh auth login exited %d: %s", exitCode, output)
	}
	return nil
}

func (d *Docker) launchDevcontainer(ctx context.Context) error {
	exitCode, output, err := d.execInContainer(ctx,
		[]string{"devcontainer", "up", "--workspace-folder", containerWorkspace}, "")
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("devcontainer up exited %d: %s", exitCode, output)
	}
	return nil
}

// execInContainer runs a command inside the container, optionally feeding
// stdin, and returns the exit code and combined output.
func (d *Docker) execInContainer(ctx context.Context, cmd []string, stdin string) (int, string, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, d.containerRef(), container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("creating exec: %w", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("attaching to exec: %w", err)
	}
	defer resp.Close()

	if stdin != "" {
		if _, err := io.WriteString(resp.Conn, stdin); err != nil {
			return -1, "", fmt.Errorf("writing exec stdin: %w", err)
		}
		if closeWriter, ok := resp.Conn.(interface{ CloseWrite() error }); ok {
			_ = closeWriter.CloseWrite()
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return -1, "", fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, "", fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.ExitCode, string(append(stdout.Bytes(), stderr.Bytes()...)), nil
}

// hostGitHubToken resolves a GitHub token from the environment or the gh
// CLI's hosts file.
func hostGitHubToken() string {
	if token := os.Getenv("GH_TOKEN"); token != "" {
		return token
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".config", "gh", "hosts.yml"))
	if err != nil {
		return ""
	}

	var hosts map[string]struct {
		OAuthToken string `yaml:"oauth_token"`
	}
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return ""
	}
	return hosts["github.com"].OAuthToken
}
