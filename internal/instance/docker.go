package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/devgrid/sandboxd/internal/authctx"
	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/image"
	"github.com/devgrid/sandboxd/internal/log"
	"github.com/devgrid/sandboxd/internal/name"
	"github.com/devgrid/sandboxd/internal/registry"
)

// DockerAPI is the slice of the docker client the instance needs. The
// concrete *client.Client satisfies it.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Docker is the container-backed sandbox instance.
type Docker struct {
	cli     DockerAPI
	backend *backend.Client
	reg     *registry.Registry
	images  *image.Manager
	cfg     Config
	name    string

	// attachOutput streams container stdout/stderr into the debug log.
	attachOutput bool

	mu            sync.Mutex
	containerID   string
	stopped       bool
	tempGitConfig string
	monitorCancel context.CancelFunc

	ports portCache

	// background supervises the fire-and-forget bootstrap tasks so their
	// failures land in the log and tests can await them.
	background errgroup.Group
}

// NewDocker creates a Docker-backed instance for one task run.
func NewDocker(cli DockerAPI, be *backend.Client, reg *registry.Registry, images *image.Manager, cfg Config) *Docker {
	return &Docker{
		cli:     cli,
		backend: be,
		reg:     reg,
		images:  images,
		cfg:     cfg,
		name:    name.ForTaskRun(cfg.TaskRunID),
	}
}

// SetAttachOutput enables verbose container output streaming into the log.
func (d *Docker) SetAttachOutput(on bool) { d.attachOutput = on }

// Name returns the deterministic container name for this instance.
func (d *Docker) Name() string { return d.name }

// WaitBackground blocks until the background bootstrap tasks finish.
func (d *Docker) WaitBackground() { _ = d.background.Wait() }

// Start brings up the sandbox container and returns its service URLs.
//
// Image absence, container creation failure, and a missing required port
// mapping abort the start. Backend publication, bootstrap, worker
// readiness, and worker configuration are best-effort: their failures are
// logged and the start proceeds.
func (d *Docker) Start(ctx context.Context) (*StartResult, error) {
	auth, _ := authctx.FromContext(ctx)
	startedAt := time.Now()

	if err := d.backend.UpdateInstanceRecord(ctx, d.cfg.InstanceID, backend.InstanceRecord{
		Provider:      "docker",
		ContainerName: d.name,
		Status:        string(registry.StatusStarting),
		StartedAt:     startedAt,
	}); err != nil {
		log.Warn("publishing starting status", "instance", d.cfg.InstanceID, "error", err)
	}

	if err := d.images.EnsureImageExists(ctx, d.cfg.Image, d.publishPullProgress(ctx)); err != nil {
		return nil, err
	}

	d.reg.Register(registry.Descriptor{
		ContainerName: d.name,
		InstanceID:    d.cfg.InstanceID,
		TaskRunID:     d.cfg.TaskRunID,
		TeamSlugOrID:  d.cfg.TeamSlugOrID,
		Auth:          auth,
		Status:        registry.StatusStarting,
		WorkspacePath: d.cfg.WorkspacePath,
	})
	d.reg.BindStopper(d.name, d)

	if err := d.removeExisting(ctx); err != nil {
		return nil, err
	}

	mounts, tempGitConfig, err := d.buildMounts()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tempGitConfig = tempGitConfig
	d.mu.Unlock()

	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	for containerPort := range wellKnownPorts {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: "", // runtime assigns
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        d.cfg.Image,
			Env:          d.buildEnv(),
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			Privileged:   true,
			CgroupnsMode: container.CgroupnsMode("host"),
			AutoRemove:   true,
			Mounts:       mounts,
			PortBindings: portBindings,
			Tmpfs: map[string]string{
				"/run":      "",
				"/run/lock": "",
			},
		},
		nil, // network config
		nil, // platform
		d.name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", d.name, err)
	}
	d.mu.Lock()
	d.containerID = resp.ID
	d.mu.Unlock()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", d.name, err)
	}
	log.Info("container started", "name", d.name, "id", resp.ID[:12])

	bootCtx := authctx.With(context.Background(), auth)
	d.background.Go(func() error {
		d.bootstrap(bootCtx)
		return nil
	})

	ports, err := d.resolveStartPorts(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	d.ports.set(ports)

	d.reg.Update(d.name, func(desc *registry.Descriptor) {
		desc.Ports = ports
		desc.Status = registry.StatusRunning
	})
	if err := d.backend.UpdatePorts(ctx, d.cfg.InstanceID, ports); err != nil {
		log.Warn("publishing ports", "instance", d.cfg.InstanceID, "error", err)
	}
	if err := d.backend.UpdateStatus(ctx, d.cfg.InstanceID, string(registry.StatusRunning), nil); err != nil {
		log.Warn("publishing running status", "instance", d.cfg.InstanceID, "error", err)
	}

	if err := d.waitForWorker(ctx, ports["worker"]); err != nil {
		log.Warn("worker did not become ready, continuing", "name", d.name, "error", err)
	}

	monitorCtx, cancel := context.WithCancel(authctx.With(context.Background(), auth))
	d.mu.Lock()
	d.monitorCancel = cancel
	d.mu.Unlock()
	go d.monitor(monitorCtx, resp.ID)
	if d.attachOutput {
		go d.streamOutput(monitorCtx, resp.ID)
	}

	if err := d.configureWorker(ctx, ports["worker"]); err != nil {
		logs, logErr := d.Logs(ctx, 50)
		if logErr != nil {
			logs = fmt.Sprintf("(log capture failed: %v)", logErr)
		}
		log.Warn("configuring worker failed", "name", d.name, "error", err,
			"recent_logs", logs)
	}

	return &StartResult{
		InstanceID:   d.cfg.InstanceID,
		TaskRunID:    d.cfg.TaskRunID,
		Provider:     "docker",
		EditorURL:    fmt.Sprintf("http://127.0.0.1:%s", ports["editor"]),
		WorkspaceURL: fmt.Sprintf("http://127.0.0.1:%s/?folder=%s", ports["editor"], containerWorkspace),
		WorkerURL:    fmt.Sprintf("http://127.0.0.1:%s", ports["worker"]),
	}, nil
}

// Stop tears down the sandbox. It is idempotent: a second call returns nil
// without side effects, and stopping an already-exited container is
// success, not an error.
func (d *Docker) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	tempGitConfig := d.tempGitConfig
	d.tempGitConfig = ""
	cancel := d.monitorCancel
	d.monitorCancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	stoppedAt := time.Now()
	d.reg.Update(d.name, func(desc *registry.Descriptor) {
		desc.Status = registry.StatusStopped
	})
	if err := d.publishStopped(ctx, stoppedAt); err != nil {
		log.Warn("publishing stopped status", "instance", d.cfg.InstanceID, "error", err)
	}

	if err := d.cli.ContainerStop(ctx, d.containerRef(), container.StopOptions{}); err != nil {
		if !stopIsBenign(err) {
			return fmt.Errorf("stopping container %s: %w", d.name, err)
		}
	}
	if err := d.cli.ContainerRemove(ctx, d.containerRef(), container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			log.Warn("removing container", "name", d.name, "error", err)
		}
	}

	if tempGitConfig != "" {
		if err := os.Remove(tempGitConfig); err != nil && !os.IsNotExist(err) {
			log.Warn("removing temp git config", "path", tempGitConfig, "error", err)
		}
	}

	d.ports.invalidate()
	d.reg.Remove(d.name)
	log.Info("container stopped", "name", d.name)
	return nil
}

// Status reports whether the container is currently running.
func (d *Docker) Status(ctx context.Context) (StatusInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, d.containerRef())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusInfo{Running: false}, nil
		}
		return StatusInfo{}, fmt.Errorf("inspecting container %s: %w", d.name, err)
	}
	if inspect.State == nil {
		return StatusInfo{Running: false}, nil
	}
	return StatusInfo{Running: inspect.State.Running, State: inspect.State.Status}, nil
}

// Logs returns the last tailLines of combined container output, demuxed
// from the runtime's multiplexed stream format.
func (d *Docker) Logs(ctx context.Context, tailLines int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, d.containerRef(), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demuxing logs: %w", err)
	}
	return string(append(stdout.Bytes(), stderr.Bytes()...)), nil
}

// removeExisting tears down a leftover container with this instance's name
// so a restart of the same task run gets a clean slate.
func (d *Docker) removeExisting(ctx context.Context) error {
	inspect, err := d.cli.ContainerInspect(ctx, d.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("checking for existing container %s: %w", d.name, err)
	}

	log.Info("removing existing container before restart", "name", d.name)
	if inspect.State != nil && inspect.State.Running {
		if err := d.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{}); err != nil && !stopIsBenign(err) {
			return fmt.Errorf("stopping existing container %s: %w", d.name, err)
		}
	}
	if err := d.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("removing existing container %s: %w", d.name, err)
		}
	}
	return nil
}

func (d *Docker) buildEnv() []string {
	env := []string{
		"NODE_ENV=production",
		fmt.Sprintf("WORKER_PORT=%d", PortWorker),
	}
	if d.cfg.Theme != "" {
		env = append(env, "SANDBOX_THEME="+d.cfg.Theme)
	}
	if d.cfg.AgentName != "" {
		env = append(env, "SANDBOX_AGENT="+d.cfg.AgentName)
	}
	for k, v := range d.cfg.EnvVars {
		env = append(env, k+"="+v)
	}
	return env
}

// resolveStartPorts reads the assigned host ports after container start.
// A missing editor, worker, proxy, or vnc binding fails the start.
func (d *Docker) resolveStartPorts(ctx context.Context, containerID string) (map[string]string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container for ports: %w", err)
	}

	ports := HostPorts(inspect)
	for _, required := range requiredPorts {
		if ports[required] == "" {
			return nil, fmt.Errorf("container %s has no host binding for %s port", d.name, required)
		}
	}
	return ports, nil
}

// publishPullProgress returns a progress callback that forwards aggregated
// pull status to the backend for UI display. Failures are swallowed; pull
// progress is cosmetic.
func (d *Docker) publishPullProgress(ctx context.Context) func(image.Progress) {
	return func(p image.Progress) {
		payload, err := json.Marshal(p)
		if err != nil {
			return
		}
		if err := d.backend.UpdateInstanceStatusMessage(ctx, d.cfg.InstanceID, string(payload)); err != nil {
			log.Debug("publishing pull progress", "instance", d.cfg.InstanceID, "error", err)
		}
	}
}

// publishStopped pushes a stopped transition, preferring the caller's auth
// context and falling back to the descriptor snapshot.
func (d *Docker) publishStopped(ctx context.Context, stoppedAt time.Time) error {
	if _, ok := authctx.FromContext(ctx); !ok {
		desc, found := d.reg.Get(d.name)
		if !found {
			return fmt.Errorf("no auth available for stopped update")
		}
		var withAuth bool
		ctx, withAuth = desc.AuthContext(ctx)
		if !withAuth {
			return fmt.Errorf("no auth snapshot for stopped update")
		}
	}
	return d.backend.UpdateStatus(ctx, d.cfg.InstanceID, string(registry.StatusStopped), &stoppedAt)
}

// monitor waits for container exit and records the outcome. It runs until
// the container stops or the instance is torn down.
func (d *Docker) monitor(ctx context.Context, containerID string) {
	waitCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return
	case err := <-errCh:
		if ctx.Err() == nil {
			log.Warn("container wait failed", "name", d.name, "error", err)
		}
		return
	case status := <-waitCh:
		log.Info("container exited", "name", d.name, "exit_code", status.StatusCode)
		logs, err := d.Logs(ctx, 50)
		if err == nil && logs != "" {
			log.Debug("recent container output", "name", d.name, "logs", logs)
		}
		d.ports.invalidate()
		d.reg.Update(d.name, func(desc *registry.Descriptor) {
			desc.Status = registry.StatusStopped
		})
		stoppedAt := time.Now()
		if err := d.publishStopped(ctx, stoppedAt); err != nil {
			log.Warn("publishing exit status", "instance", d.cfg.InstanceID, "error", err)
		}
	}
}

// streamOutput attaches to the container and copies its output into the
// debug log. Diagnostics only.
func (d *Docker) streamOutput(ctx context.Context, containerID string) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		log.Debug("attaching to container output", "name", d.name, "error", err)
		return
	}
	defer resp.Close()

	out := &logWriter{name: d.name, stream: "stdout"}
	errOut := &logWriter{name: d.name, stream: "stderr"}
	if _, err := stdcopy.StdCopy(out, errOut, resp.Reader); err != nil && ctx.Err() == nil {
		log.Debug("container output stream ended", "name", d.name, "error", err)
	}
}

type logWriter struct {
	name   string
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	log.Debug("container output", "name", w.name, "stream", w.stream, "text", string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// stopIsBenign reports whether a container stop error means the container
// is already gone or already stopped.
func stopIsBenign(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err)
}
