package util

import "strings"

// NormalizeLocalpart trims whitespace and lowercases a user localpart so
// registration and login always agree on the stored form.
func NormalizeLocalpart(localpart string) string {
	return strings.ToLower(strings.TrimSpace(localpart))
}
