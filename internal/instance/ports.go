package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// Fixed container-side ports for the sandbox services. Host ports are
// assigned dynamically by the runtime at container creation.
const (
	PortExec     = 39375
	PortDevtools = 39376
	PortWorker   = 39377
	PortEditor   = 39378
	PortProxy    = 39379
	PortVNC      = 39380
)

// wellKnownPorts maps each fixed container port to its service name, the
// key used in descriptors and backend port maps.
var wellKnownPorts = map[int]string{
	PortExec:     "exec",
	PortDevtools: "devtools",
	PortWorker:   "worker",
	PortEditor:   "editor",
	PortProxy:    "proxy",
	PortVNC:      "vnc",
}

// requiredPorts must have a host binding after start or the start fails.
var requiredPorts = []string{"editor", "worker", "proxy", "vnc"}

// portCacheTTL bounds how long a resolved port map is served without a
// fresh inspect. Queries arrive in bursts (UI polling several services at
// once), so even a short window removes most inspect calls.
const portCacheTTL = 2 * time.Second

type portCache struct {
	mu      sync.Mutex
	ports   map[string]string
	fetched time.Time
}

func (c *portCache) get() (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ports == nil || time.Since(c.fetched) > portCacheTTL {
		return nil, false
	}
	return c.ports, true
}

func (c *portCache) set(ports map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = ports
	c.fetched = time.Now()
}

func (c *portCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = nil
}

// HostPorts extracts the named host port map from an inspect response.
func HostPorts(inspect container.InspectResponse) map[string]string {
	if inspect.NetworkSettings == nil {
		return map[string]string{}
	}
	return hostPortsFromBindings(inspect.NetworkSettings.Ports)
}

// hostPortsFromBindings extracts the host port for every well-known sandbox
// port from an inspect port map, so one inspect populates the full set.
func hostPortsFromBindings(bindings nat.PortMap) map[string]string {
	out := make(map[string]string)
	for containerPort, name := range wellKnownPorts {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		if b, ok := bindings[port]; ok && len(b) > 0 && b[0].HostPort != "" {
			out[name] = b[0].HostPort
		}
	}
	return out
}

// Ports returns the current container→host port map, using the short-TTL
// cache when fresh. The cache is invalidated whenever the container is
// observed not running.
func (d *Docker) Ports(ctx context.Context) (map[string]string, error) {
	if ports, ok := d.ports.get(); ok {
		return ports, nil
	}

	inspect, err := d.cli.ContainerInspect(ctx, d.containerRef())
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", d.name, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		d.ports.invalidate()
		return nil, fmt.Errorf("container %s is not running", d.name)
	}

	ports := HostPorts(inspect)
	d.ports.set(ports)
	return ports, nil
}

// ActualPort resolves the host port bound to one container port.
func (d *Docker) ActualPort(ctx context.Context, containerPort int) (string, error) {
	name, ok := wellKnownPorts[containerPort]
	if !ok {
		return "", fmt.Errorf("port %d is not a sandbox service port", containerPort)
	}
	ports, err := d.Ports(ctx)
	if err != nil {
		return "", err
	}
	hostPort, ok := ports[name]
	if !ok {
		return "", fmt.Errorf("no host binding for container port %d", containerPort)
	}
	return hostPort, nil
}

// containerRef returns the best handle for runtime calls: the container ID
// once known, otherwise the deterministic name.
func (d *Docker) containerRef() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.containerID != "" {
		return d.containerID
	}
	return d.name
}
