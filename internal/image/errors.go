package image

import (
	"fmt"
	"strings"
)

// PullErrorKind categorizes an image pull failure.
type PullErrorKind string

const (
	ErrDiskSpace        PullErrorKind = "DISK_SPACE"
	ErrTimeout          PullErrorKind = "TIMEOUT"
	ErrNotFound         PullErrorKind = "NOT_FOUND"
	ErrAuthFailed       PullErrorKind = "AUTH_FAILED"
	ErrDaemonNotRunning PullErrorKind = "DAEMON_NOT_RUNNING"
	ErrRateLimited      PullErrorKind = "RATE_LIMITED"
	ErrNetwork          PullErrorKind = "NETWORK_ERROR"
	ErrUnknown          PullErrorKind = "UNKNOWN"
)

// PullError is a classified image pull failure with a user-facing message
// and ordered troubleshooting steps.
type PullError struct {
	Kind    PullErrorKind
	Image   string
	Message string
	Steps   []string
	cause   error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pulling image %s: %s", e.Image, e.Message)
}

func (e *PullError) Unwrap() error {
	return e.cause
}

// classRule maps error-text substrings to a classification.
type classRule struct {
	substrings []string
	kind       PullErrorKind
	message    string
	steps      []string
}

// Rules are checked in order; the first match wins. Matching is
// case-insensitive substring search against the runtime's error text.
var classRules = []classRule{
	{
		substrings: []string{"no space left", "disk quota exceeded"},
		kind:       ErrDiskSpace,
		message:    "Not enough disk space to pull the image",
		steps: []string{
			"Free disk space on the host",
			"Remove unused images: docker image prune -a",
			"Remove stopped containers: docker container prune",
		},
	},
	{
		substrings: []string{"context deadline exceeded", "timeout", "timed out"},
		kind:       ErrTimeout,
		message:    "Image pull timed out",
		steps: []string{
			"Check your network connection",
			"Retry the start; partial layers are resumed",
			"If behind a proxy, verify the docker daemon proxy settings",
		},
	},
	{
		substrings: []string{"not found", "manifest unknown", "repository does not exist"},
		kind:       ErrNotFound,
		message:    "Image not found in the registry",
		steps: []string{
			"Verify the image name and tag",
			"Check that the image has been published",
		},
	},
	{
		substrings: []string{"unauthorized", "authentication required", "denied", "forbidden"},
		kind:       ErrAuthFailed,
		message:    "Registry authentication failed",
		steps: []string{
			"Run docker login for the registry",
			"Verify your account has pull access to the repository",
		},
	},
	{
		substrings: []string{"cannot connect to the docker daemon", "daemon is not running", "docker daemon"},
		kind:       ErrDaemonNotRunning,
		message:    "The docker daemon is not reachable",
		steps: []string{
			"Start Docker Desktop or the docker service",
			"Check DOCKER_HOST if the daemon runs remotely",
		},
	},
	{
		substrings: []string{"toomanyrequests", "rate limit"},
		kind:       ErrRateLimited,
		message:    "Registry rate limit exceeded",
		steps: []string{
			"Authenticate to raise the rate limit: docker login",
			"Wait a few minutes and retry",
		},
	},
	{
		substrings: []string{"no such host", "connection refused", "network is unreachable", "tls handshake", "temporary failure in name resolution", "i/o timeout"},
		kind:       ErrNetwork,
		message:    "Network error while pulling the image",
		steps: []string{
			"Check your network connection",
			"Verify the registry host is reachable",
		},
	},
}

// ClassifyPullError derives a PullError from a raw runtime error.
func ClassifyPullError(imageName string, err error) *PullError {
	text := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, s := range rule.substrings {
			if strings.Contains(text, s) {
				return &PullError{
					Kind:    rule.kind,
					Image:   imageName,
					Message: rule.message,
					Steps:   rule.steps,
					cause:   err,
				}
			}
		}
	}
	return &PullError{
		Kind:    ErrUnknown,
		Image:   imageName,
		Message: "Image pull failed: " + err.Error(),
		Steps: []string{
			"Retry the start",
			"Check docker daemon logs for details",
		},
		cause: err,
	}
}
