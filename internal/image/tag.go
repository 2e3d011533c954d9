// Package image decides whether a sandbox image must be pulled before
// container creation and performs the pull with progress reporting, stall
// detection, and error classification.
package image

import "strings"

// IsMutableTag reports whether an image reference can change content
// without its string changing. Untagged references and ":latest" are
// mutable; digest pins and any other explicit tag are not.
//
// A colon before the last path segment is a registry port, not a tag
// ("localhost:5000/image" has no tag and is mutable).
func IsMutableTag(imageName string) bool {
	if strings.Contains(imageName, "@") {
		// Digest reference (name@sha256:...) resolves to fixed content.
		return false
	}

	lastSlash := strings.LastIndex(imageName, "/")
	lastColon := strings.LastIndex(imageName, ":")
	if lastColon == -1 || lastColon < lastSlash {
		// No tag at all, or the only colon belongs to a registry port.
		return true
	}

	return imageName[lastColon+1:] == "latest"
}
