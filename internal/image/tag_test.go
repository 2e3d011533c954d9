package image

import "testing"

func TestIsMutableTag(t *testing.T) {
	tests := []struct {
		image string
		want  bool
	}{
		// No tag: implicit latest.
		{"ubuntu", true},
		{"ghcr.io/devgrid/sandbox", true},

		// Registry port but no tag: the colon belongs to the host.
		{"localhost:5000/image", true},

		// Explicit latest.
		{"ubuntu:latest", true},
		{"localhost:5000/image:latest", true},

		// Pinned tags.
		{"repo:v1.2", false},
		{"ghcr.io/devgrid/sandbox:2024-06-01", false},
		{"localhost:5000/image:v3", false},

		// Digest references resolve to fixed content.
		{"repo@sha256:abc", false},
		{"ghcr.io/devgrid/sandbox@sha256:0f3a", false},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			if got := IsMutableTag(tt.image); got != tt.want {
				t.Errorf("IsMutableTag(%q) = %v, want %v", tt.image, got, tt.want)
			}
		})
	}
}
