package sandbox

import "strings"

// isSubpathOf returns true if child is the same as or a subdirectory of parent.
func isSubpathOf(child, parent string) bool {
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}

// darwinFirmlinks are top-level directories that macOS resolves into /private.
// Seatbelt matches the resolved path, so rules on them are emitted twice.
var darwinFirmlinks = []string{"/etc", "/tmp", "/var"}

// darwinAliases returns p plus its /private form when p lives under a firmlink.
func darwinAliases(p string) []string {
	for _, link := range darwinFirmlinks {
		if isSubpathOf(p, link) {
			return []string{p, "/private" + p}
		}
	}
	return []string{p}
}
