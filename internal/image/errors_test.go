package image

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyPullError(t *testing.T) {
	tests := []struct {
		text string
		want PullErrorKind
	}{
		{"write /var/lib/docker: no space left on device", ErrDiskSpace},
		{"Disk quota exceeded", ErrDiskSpace},
		{"context deadline exceeded", ErrTimeout},
		{"image pull timed out after 10m0s", ErrTimeout},
		{"manifest unknown: manifest unknown", ErrNotFound},
		{"repository does not exist or may require auth", ErrNotFound},
		{"unauthorized: authentication required", ErrAuthFailed},
		{"pull access denied for repo", ErrAuthFailed},
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", ErrDaemonNotRunning},
		{"toomanyrequests: You have reached your pull rate limit", ErrRateLimited},
		{"dial tcp: lookup registry-1.docker.io: no such host", ErrNetwork},
		{"connect: connection refused", ErrNetwork},
		{"something completely different", ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.text[:12], func(t *testing.T) {
			perr := ClassifyPullError("repo:latest", errors.New(tt.text))
			if perr.Kind != tt.want {
				t.Errorf("kind = %s, want %s", perr.Kind, tt.want)
			}
			if perr.Image != "repo:latest" {
				t.Errorf("image = %q", perr.Image)
			}
			if perr.Message == "" || len(perr.Steps) == 0 {
				t.Error("expected user-facing message and troubleshooting steps")
			}
		})
	}
}

func TestPullErrorUnwrap(t *testing.T) {
	cause := errors.New("no space left on device")
	perr := ClassifyPullError("repo", cause)
	if !errors.Is(perr, cause) {
		t.Error("expected PullError to unwrap to its cause")
	}
	wrapped := fmt.Errorf("start failed: %w", perr)
	var target *PullError
	if !errors.As(wrapped, &target) {
		t.Error("expected errors.As to find PullError through wrapping")
	}
}

func TestClassificationIsCaseInsensitive(t *testing.T) {
	perr := ClassifyPullError("repo", errors.New("UNAUTHORIZED: AUTHENTICATION REQUIRED"))
	if perr.Kind != ErrAuthFailed {
		t.Errorf("kind = %s, want %s", perr.Kind, ErrAuthFailed)
	}
}
