// Package name derives deterministic container names for sandbox instances.
package name

import "strings"

// Prefix marks containers managed by sandboxd. The docker event loop uses it
// to discard events for containers that belong to other tooling.
const Prefix = "sbx-"

// ForTaskRun returns the container name for a task run. The mapping is
// deterministic so a restart of the same task run replaces the previous
// container instead of leaking a second one.
func ForTaskRun(taskRunID string) string {
	return Prefix + sanitize(taskRunID)
}

// IsSandbox reports whether a container name carries the sandbox prefix.
func IsSandbox(containerName string) bool {
	return strings.HasPrefix(containerName, Prefix)
}

// TaskRunID extracts the sanitized task run identifier from a container
// name, or "" if the name is not a sandbox name.
func TaskRunID(containerName string) string {
	if !IsSandbox(containerName) {
		return ""
	}
	return strings.TrimPrefix(containerName, Prefix)
}

// sanitize maps an arbitrary identifier onto docker's allowed name alphabet
// ([a-zA-Z0-9][a-zA-Z0-9_.-]*).
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
