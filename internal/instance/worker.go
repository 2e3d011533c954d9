package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/devgrid/sandboxd/internal/log"
)

const (
	// workerPollInterval and workerPollAttempts bound the readiness wait
	// to roughly 15 seconds.
	workerPollInterval = 500 * time.Millisecond
	workerPollAttempts = 30
)

// waitForWorker polls the worker's health endpoint until it responds or
// the attempt budget runs out.
func (d *Docker) waitForWorker(ctx context.Context, hostPort string) error {
	if hostPort == "" {
		return fmt.Errorf("no worker port")
	}

	url := fmt.Sprintf("http://127.0.0.1:%s/health", hostPort)
	client := &http.Client{Timeout: workerPollInterval}

	for attempt := 0; attempt < workerPollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				log.Debug("worker ready", "name", d.name, "attempts", attempt+1)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(workerPollInterval):
		}
	}
	return fmt.Errorf("worker not ready after %d attempts", workerPollAttempts)
}

// gitIdentity is the configuration pushed to the worker so commits made in
// the sandbox carry the caller's identity.
type gitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// configureWorker connects to the worker RPC endpoint and pushes the host
// git identity.
func (d *Docker) configureWorker(ctx context.Context, hostPort string) error {
	if hostPort == "" {
		return fmt.Errorf("no worker port")
	}

	identity := hostGitIdentity()
	payload, err := json.Marshal(identity)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%s/rpc/configure-git", hostPort)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to worker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker configure-git returned %d", resp.StatusCode)
	}
	return nil
}

// hostGitIdentity reads user.name and user.email from the caller's global
// git config. Missing values are fine; the worker falls back to defaults.
func hostGitIdentity() gitIdentity {
	home, err := os.UserHomeDir()
	if err != nil {
		return gitIdentity{}
	}
	f, err := os.Open(filepath.Join(home, ".gitconfig"))
	if err != nil {
		return gitIdentity{}
	}
	defer f.Close()

	cfg := format.New()
	if err := format.NewDecoder(f).Decode(cfg); err != nil {
		return gitIdentity{}
	}

	var identity gitIdentity
	for _, section := range cfg.Sections {
		if !strings.EqualFold(section.Name, "user") {
			continue
		}
		for _, opt := range section.Options {
			switch strings.ToLower(opt.Key) {
			case "name":
				identity.Name = opt.Value
			case "email":
				identity.Email = opt.Value
			}
		}
	}
	return identity
}
