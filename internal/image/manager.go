package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/devgrid/sandboxd/internal/log"
)

const (
	// DefaultPullTTL is how long a mutable-tag pull stays fresh.
	DefaultPullTTL = 4 * time.Hour

	// pullTimeout is the hard cap on total pull duration.
	pullTimeout = 600 * time.Second

	// stallTimeout aborts a pull that reports no progress at all.
	stallTimeout = 120 * time.Second

	// progressInterval throttles status emission during a pull.
	progressInterval = 500 * time.Millisecond
)

// DockerAPI is the slice of the docker client the manager needs.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageName string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Progress is an aggregated snapshot of a pull in flight.
type Progress struct {
	Image           string `json:"image"`
	Status          string `json:"status"`
	DownloadedBytes int64  `json:"downloadedBytes"`
	TotalBytes      int64  `json:"totalBytes"`
}

// Manager decides whether an image reference must be pulled before
// container creation.
type Manager struct {
	cli   DockerAPI
	pulls PullStore
	ttl   time.Duration

	now func() time.Time // stubbed in tests
}

// NewManager creates a freshness manager. A zero ttl selects DefaultPullTTL.
func NewManager(cli DockerAPI, pulls PullStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultPullTTL
	}
	return &Manager{cli: cli, pulls: pulls, ttl: ttl, now: time.Now}
}

// EnsureImageExists guarantees a usable local copy of imageName.
//
// Absent images are always pulled. Present images are re-pulled only when
// the reference is mutable (no tag, or :latest) and the recorded pull is
// older than the TTL; a present mutable image with no recorded pull seeds
// the record instead of pulling, so restarts don't re-pull everything.
// A failed re-pull of a present image is logged and the cached copy used.
//
// onProgress, if non-nil, receives throttled pull progress snapshots.
func (m *Manager) EnsureImageExists(ctx context.Context, imageName string, onProgress func(Progress)) error {
	exists, err := m.imageExists(ctx, imageName)
	if err != nil {
		return err
	}

	if !exists {
		if err := m.pull(ctx, imageName, onProgress); err != nil {
			return ClassifyPullError(imageName, err)
		}
		return m.recordPull(imageName)
	}

	if !IsMutableTag(imageName) {
		// Pinned content can't change; the local copy is authoritative.
		return nil
	}

	lastPull, recorded, err := m.pulls.LastPull(imageName)
	if err != nil {
		log.Warn("reading image pull record", "image", imageName, "error", err)
		return nil
	}
	if !recorded {
		// Present but never recorded (pre-existing image or fresh store).
		// Seed the clock rather than re-pulling on every restart.
		return m.recordPull(imageName)
	}
	if m.now().Sub(lastPull) < m.ttl {
		return nil
	}

	if err := m.pull(ctx, imageName, onProgress); err != nil {
		// The stale cached copy still works; freshness is best-effort.
		log.Warn("refreshing mutable image failed, using cached copy",
			"image", imageName, "error", err)
		return nil
	}
	return m.recordPull(imageName)
}

func (m *Manager) imageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := m.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", imageName, err)
	}
	return true, nil
}

func (m *Manager) recordPull(imageName string) error {
	if err := m.pulls.RecordPull(imageName, m.now()); err != nil {
		log.Warn("recording image pull", "image", imageName, "error", err)
	}
	return nil
}

// pull streams the registry pull, aggregating per-layer progress. It aborts
// if no progress event arrives within stallTimeout or if the total pull
// exceeds pullTimeout.
func (m *Manager) pull(ctx context.Context, imageName string, onProgress func(Progress)) error {
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	log.Info("pulling image", "image", imageName)
	reader, err := m.cli.ImagePull(pullCtx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	type layerProgress struct {
		current int64
		total   int64
	}
	layers := make(map[string]layerProgress)

	msgCh := make(chan jsonmessage.JSONMessage)
	errCh := make(chan error, 1)
	go func() {
		defer close(msgCh)
		decoder := json.NewDecoder(reader)
		for {
			var msg jsonmessage.JSONMessage
			if err := decoder.Decode(&msg); err != nil {
				if err != io.EOF {
					errCh <- err
				}
				return
			}
			select {
			case msgCh <- msg:
			case <-pullCtx.Done():
				return
			}
		}
	}()

	var lastEmit time.Time
	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-pullCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("image pull timed out after %s", pullTimeout)

		case <-stall.C:
			cancel()
			return fmt.Errorf("image pull stalled: no progress for %s", stallTimeout)

		case msg, ok := <-msgCh:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
				}
				log.Debug("image pull complete", "image", imageName)
				return nil
			}

			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(stallTimeout)

			if msg.Error != nil {
				return fmt.Errorf("%s", msg.Error.Message)
			}

			if msg.ID != "" && msg.Progress != nil {
				layers[msg.ID] = layerProgress{
					current: msg.Progress.Current,
					total:   msg.Progress.Total,
				}
			}

			if onProgress != nil && time.Since(lastEmit) >= progressInterval {
				lastEmit = time.Now()
				var downloaded, total int64
				for _, lp := range layers {
					downloaded += lp.current
					total += lp.total
				}
				onProgress(Progress{
					Image:           imageName,
					Status:          msg.Status,
					DownloadedBytes: downloaded,
					TotalBytes:      total,
				})
			}
		}
	}
}
