package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"

	"github.com/devgrid/sandboxd/internal/authctx"
	"github.com/devgrid/sandboxd/internal/backend"
	"github.com/devgrid/sandboxd/internal/config"
	"github.com/devgrid/sandboxd/internal/image"
	"github.com/devgrid/sandboxd/internal/registry"
)

// app bundles the shared dependencies every command needs.
type app struct {
	docker  *client.Client
	backend *backend.Client
	reg     *registry.Registry
	images  *image.Manager
	pulls   *image.SQLitePullStore
}

func newApp() (*app, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		docker.Close()
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	pulls, err := image.OpenPullStore(filepath.Join(config.Dir(), "image-pulls.db"))
	if err != nil {
		docker.Close()
		return nil, err
	}

	return &app{
		docker:  docker,
		backend: backend.NewClient(loadedConfig.Backend.URL),
		reg:     registry.New(),
		images:  image.NewManager(docker, pulls, loadedConfig.PullTTL()),
		pulls:   pulls,
	}, nil
}

func (a *app) Close() {
	a.pulls.Close()
	a.docker.Close()
}

// authContext attaches the caller's auth material from the environment.
// Commands that only touch the local runtime work without it; backend
// publication is skipped when it is absent.
func authContext(ctx context.Context) context.Context {
	auth := authctx.Auth{
		Token:      os.Getenv("SANDBOXD_TOKEN"),
		HeaderJSON: os.Getenv("SANDBOXD_AUTH_HEADER"),
	}
	if !auth.Valid() {
		return ctx
	}
	return authctx.With(ctx, auth)
}
