package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so
// comparisons and lookups remain case-insensitive; domain names are
// case-insensitive per RFC 1035, so the canonical form is safe to store.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}
