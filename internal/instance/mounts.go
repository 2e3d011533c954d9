package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/docker/docker/api/types/mount"
	"github.com/devgrid/sandboxd/internal/log"
)

// containerWorkspace is where the task-run workspace appears inside the
// container; the editor and worker both assume it.
const containerWorkspace = "/workspace"

// hostCredentialHelpers are git credential helpers that only work against a
// host OS keyring and would break every git operation inside the container.
var hostCredentialHelpers = map[string]bool{
	"osxkeychain":  true,
	"manager":      true,
	"manager-core": true,
	"wincred":      true,
}

// buildMounts assembles the container bind mounts: the workspace itself,
// the git worktree origin directory when one exists, and best-effort
// read-only credential material (SSH keys, gh CLI config, a filtered copy
// of the global git config).
//
// The returned tempGitConfig path, when non-empty, must be removed on stop.
func (d *Docker) buildMounts() ([]mount.Mount, string, error) {
	workspace := d.cfg.WorkspacePath

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: workspace,
		Target: containerWorkspace,
	}}

	// A git worktree's .git file points at the origin checkout by absolute
	// path, so the origin directory is mounted read-write at that same path
	// or every git command in the workspace dangles.
	if origin, ok := originDir(workspace); ok {
		if _, err := os.Stat(origin); err == nil {
			mounts = append(mounts, mount.Mount{
				Type:   mount.TypeBind,
				Source: origin,
				Target: origin,
			})
		} else {
			log.Warn("worktree origin directory missing, git operations may fail",
				"origin", origin)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Warn("resolving home directory, skipping credential mounts", "error", err)
		return mounts, "", nil
	}

	if sshDir := filepath.Join(home, ".ssh"); dirExists(sshDir) {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   sshDir,
			Target:   "/root/.ssh",
			ReadOnly: true,
		})
	}

	if ghDir := filepath.Join(home, ".config", "gh"); dirExists(ghDir) {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   ghDir,
			Target:   "/root/.config/gh",
			ReadOnly: true,
		})
	}

	var tempGitConfig string
	if gitConfig := filepath.Join(home, ".gitconfig"); fileExists(gitConfig) {
		filtered, err := writeFilteredGitConfig(gitConfig)
		if err != nil {
			log.Warn("filtering git config, container gets no git config", "error", err)
		} else {
			tempGitConfig = filtered
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   filtered,
				Target:   "/root/.gitconfig",
				ReadOnly: true,
			})
		}
	}

	return mounts, tempGitConfig, nil
}

// originDir derives the sibling origin checkout for a worktree workspace:
// the path segment "worktrees" and everything after it is replaced with
// "origin". Returns ok=false when the workspace is not under a worktrees
// directory.
func originDir(workspace string) (string, bool) {
	segments := strings.Split(filepath.Clean(workspace), string(filepath.Separator))
	for i, seg := range segments {
		if seg == "worktrees" {
			origin := append(append([]string{}, segments[:i]...), "origin")
			path := strings.Join(origin, string(filepath.Separator))
			if !filepath.IsAbs(path) {
				path = string(filepath.Separator) + path
			}
			return filepath.Clean(path), true
		}
	}
	return "", false
}

// writeFilteredGitConfig copies the user's global git config to a temp file
// with host-only settings removed: credential helpers that talk to an OS
// keyring, and http.sslBackend (schannel/openssl selection is meaningless
// inside the container). If no credential helper survives, a plain
// credential.helper=store is appended so the worker can stage credentials.
func writeFilteredGitConfig(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening git config: %w", err)
	}
	defer f.Close()

	cfg := format.New()
	if err := format.NewDecoder(f).Decode(cfg); err != nil {
		return "", fmt.Errorf("parsing git config: %w", err)
	}

	filterGitConfig(cfg)

	tmp, err := os.CreateTemp("", "sandboxd-gitconfig-*")
	if err != nil {
		return "", fmt.Errorf("creating temp git config: %w", err)
	}
	if err := format.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing filtered git config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func filterGitConfig(cfg *format.Config) {
	hasHelper := false
	for _, section := range cfg.Sections {
		switch strings.ToLower(section.Name) {
		case "credential":
			section.Options = dropHostHelpers(section.Options)
			for _, sub := range section.Subsections {
				sub.Options = dropHostHelpers(sub.Options)
				if hasOption(sub.Options, "helper") {
					hasHelper = true
				}
			}
			if hasOption(section.Options, "helper") {
				hasHelper = true
			}
		case "http":
			section.Options = dropOption(section.Options, "sslbackend")
		}
	}
	if !hasHelper {
		cfg.Section("credential").SetOption("helper", "store")
	}
}

func dropHostHelpers(opts format.Options) format.Options {
	out := opts[:0]
	for _, o := range opts {
		if strings.EqualFold(o.Key, "helper") && hostCredentialHelpers[strings.ToLower(o.Value)] {
			continue
		}
		out = append(out, o)
	}
	return out
}

func dropOption(opts format.Options, key string) format.Options {
	out := opts[:0]
	for _, o := range opts {
		if strings.EqualFold(o.Key, key) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func hasOption(opts format.Options, key string) bool {
	for _, o := range opts {
		if strings.EqualFold(o.Key, key) {
			return true
		}
	}
	return false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
