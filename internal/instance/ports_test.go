package instance

import (
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
)

func TestHostPortsFromBindings(t *testing.T) {
	m := make(nat.PortMap)
	m["39378/tcp"] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "55001"}}
	m["39377/tcp"] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "55002"}}
	m["39379/tcp"] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "55003"}}
	m["8080/tcp"] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "55099"}} // not a sandbox port
	m["39380/tcp"] = nil // exposed but unbound

	ports := hostPortsFromBindings(m)
	assert.Equal(t, map[string]string{
		"editor": "55001",
		"worker": "55002",
		"proxy":  "55003",
	}, ports)
}

func TestPortCache(t *testing.T) {
	var c portCache

	if _, ok := c.get(); ok {
		t.Fatal("empty cache must miss")
	}

	c.set(map[string]string{"editor": "55001"})
	got, ok := c.get()
	if !ok || got["editor"] != "55001" {
		t.Fatalf("cache miss after set: %v %v", got, ok)
	}

	// Entries older than the TTL are not served.
	c.mu.Lock()
	c.fetched = time.Now().Add(-3 * time.Second)
	c.mu.Unlock()
	if _, ok := c.get(); ok {
		t.Fatal("stale cache entry must miss")
	}

	c.set(map[string]string{"editor": "55001"})
	c.invalidate()
	if _, ok := c.get(); ok {
		t.Fatal("invalidated cache must miss")
	}
}
