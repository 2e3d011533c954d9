// Package instance implements the sandbox lifecycle: container creation
// with deterministic port bindings, background bootstrap, worker readiness
// polling, and idempotent teardown.
package instance

import "context"

// StartResult is what a successful start returns to the caller.
type StartResult struct {
	InstanceID   string `json:"instanceId"`
	TaskRunID    string `json:"taskRunId"`
	Provider     string `json:"provider"`
	EditorURL    string `json:"editorUrl"`
	WorkspaceURL string `json:"workspaceUrl"`
	WorkerURL    string `json:"workerUrl"`
}

// StatusInfo reports whether the sandbox container is running.
type StatusInfo struct {
	Running bool   `json:"running"`
	State   string `json:"state,omitempty"`
}

// Instance is the provider-agnostic sandbox contract. The Docker
// implementation is in this package; a cloud-VM provider implements the
// same surface.
type Instance interface {
	Start(ctx context.Context) (*StartResult, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (StatusInfo, error)
	Logs(ctx context.Context, tailLines int) (string, error)
	Ports(ctx context.Context) (map[string]string, error)
	Name() string
}

// Config describes the sandbox an instance should provide.
type Config struct {
	InstanceID    string
	TaskRunID     string
	TeamSlugOrID  string
	WorkspacePath string
	Image         string
	AgentName     string
	Theme         string
	EnvVars       map[string]string
}
