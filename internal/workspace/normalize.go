package workspace

import (
	"runtime"
	"strings"
)

// NormalizePath canonicalizes a workspace path for comparison:
// backslashes become forward slashes, runs of slashes collapse to one, the
// trailing slash is stripped (except for the root itself), a missing
// leading slash is added, and the empty string is treated as the root.
// When caseInsensitive is true the result is lower-cased.
func NormalizePath(path string, caseInsensitive bool) string {
	p := strings.ReplaceAll(path, `\`, "/")

	// Collapse runs of slashes.
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}

	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p == "" {
		p = "/"
	}

	if caseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

// isAncestor reports whether ancestor contains descendant, after both have
// been normalized. The root contains every other path.
func isAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	if ancestor == "/" {
		return true
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

// platformCaseInsensitive reports whether the host platform's filesystem
// compares paths case-insensitively. Probed once at validator construction.
func platformCaseInsensitive() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		return false
	}
}
