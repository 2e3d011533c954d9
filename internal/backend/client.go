// Package backend is the client for the authoritative sandbox state store.
//
// Every call carries the auth snapshot found in the request context (see
// internal/authctx). The store owns canonical task-run and team state; this
// process only pushes observed container status and asks cleanup questions.
// Callers on background paths treat failures as log-and-continue: the
// container's actual runtime state wins, and the next successful update
// reconciles the backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/devgrid/sandboxd/internal/authctx"
)

// Client talks to the backend HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	auth, ok := authctx.FromContext(ctx)
	if !ok {
		return fmt.Errorf("backend %s %s: no auth in context", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	if auth.HeaderJSON != "" {
		req.Header.Set("X-Auth-Header", auth.HeaderJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("backend error (%d): %s", resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing backend response: %w (body: %s)", err, respBody)
		}
	}
	return nil
}

// InstanceRecord is the initial registration payload for a starting sandbox.
type InstanceRecord struct {
	Provider      string    `json:"provider"`
	ContainerName string    `json:"containerName"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// UpdateInstanceRecord registers or refreshes the instance record.
func (c *Client) UpdateInstanceRecord(ctx context.Context, id string, rec InstanceRecord) error {
	return c.doRequest(ctx, "POST", "/instances/"+url.PathEscape(id)+"/record", rec, nil)
}

// UpdateInstanceStatusMessage publishes free-form progress text (for
// example image pull progress) for UI display.
func (c *Client) UpdateInstanceStatusMessage(ctx context.Context, id, message string) error {
	body := map[string]string{"statusMessage": message}
	return c.doRequest(ctx, "POST", "/instances/"+url.PathEscape(id)+"/status-message", body, nil)
}

// UpdatePorts publishes the instance's host port map.
func (c *Client) UpdatePorts(ctx context.Context, id string, ports map[string]string) error {
	body := map[string]any{"ports": ports}
	return c.doRequest(ctx, "POST", "/instances/"+url.PathEscape(id)+"/ports", body, nil)
}

// UpdateStatus publishes a status transition. stoppedAt is included for
// terminal transitions.
func (c *Client) UpdateStatus(ctx context.Context, id, status string, stoppedAt *time.Time) error {
	body := map[string]any{"status": status}
	if stoppedAt != nil {
		body["stoppedAt"] = stoppedAt.UTC()
	}
	return c.doRequest(ctx, "POST", "/instances/"+url.PathEscape(id)+"/status", body, nil)
}

// InstanceRef identifies a running instance in cleanup queries.
type InstanceRef struct {
	ID            string `json:"id"`
	ContainerName string `json:"containerName"`
}

// GetContainersToStop returns the team's running instances that have
// exceeded their configured time-to-live.
func (c *Client) GetContainersToStop(ctx context.Context, teamID string) ([]InstanceRef, error) {
	var resp struct {
		Containers []InstanceRef `json:"containers"`
	}
	path := "/teams/" + url.PathEscape(teamID) + "/containers-to-stop"
	if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// CleanupCandidates is the backend's view of a team's running instances
// ordered for reclamation. Review-period instances rank before actively
// used ones.
type CleanupCandidates struct {
	Total                 int           `json:"total"`
	PrioritizedForCleanup []InstanceRef `json:"prioritizedForCleanup"`
	ReviewContainers      []InstanceRef `json:"reviewContainers"`
}

// GetRunningContainersByCleanupPriority returns the team's running count
// and cleanup priority ordering.
func (c *Client) GetRunningContainersByCleanupPriority(ctx context.Context, teamID string) (*CleanupCandidates, error) {
	var resp CleanupCandidates
	path := "/teams/" + url.PathEscape(teamID) + "/cleanup-priority"
	if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContainerSettings are the team's effective reclamation limits.
type ContainerSettings struct {
	AutoCleanupEnabled   bool `json:"autoCleanupEnabled"`
	MaxRunningContainers int  `json:"maxRunningContainers"`
	ReviewPeriodMinutes  int  `json:"reviewPeriodMinutes"`
}

// GetEffectiveContainerSettings returns the team's container limits.
func (c *Client) GetEffectiveContainerSettings(ctx context.Context, teamID string) (*ContainerSettings, error) {
	var resp ContainerSettings
	path := "/teams/" + url.PathEscape(teamID) + "/container-settings"
	if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
