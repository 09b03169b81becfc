package ledger

import (
	"net/url"
	"strings"
)

// CanonicalURL normalizes a URL for overwrite comparison only: scheme and
// host are lowercased, query and fragment are ignored, and a trailing
// slash on a non-root path is dropped. The canonical form is never shown
// or stored; display always uses the original string.
func CanonicalURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(trimmed)
	}
	path := parsed.EscapedPath()
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host) + path
}
