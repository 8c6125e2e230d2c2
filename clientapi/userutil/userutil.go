// Package userutil parses the "user" identifier client requests submit in
// many shapes (bare localpart, full MXID) into a consistent localpart +
// server name pair.
package userutil

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/util"
	"github.com/matrixhs/homeserver/setup/config"
)

// ParseUsernameParam accepts either a bare localpart ("alice") or a full
// Matrix user ID ("@alice:example.org") and returns the localpart and the
// server name it should be validated against. A bare localpart is assumed
// to belong to cfg's own server name.
func ParseUsernameParam(username string, cfg *config.Global) (string, spec.ServerName, error) {
	if !strings.HasPrefix(username, "@") {
		return username, cfg.ServerName, nil
	}
	userID, err := spec.NewUserID(username, true)
	if err != nil {
		return "", "", fmt.Errorf("invalid user ID %q: %w", username, err)
	}
	return userID.Local(), util.NormalizeServerName(userID.Domain()), nil
}

// ParseUsernameParamFromUserID splits a full Matrix user ID into its
// localpart and server name, for handlers that already hold an
// authenticated device's UserID.
func ParseUsernameParamFromUserID(userID string) (string, spec.ServerName, error) {
	parsed, err := spec.NewUserID(userID, true)
	if err != nil {
		return "", "", fmt.Errorf("invalid user ID %q: %w", userID, err)
	}
	return parsed.Local(), parsed.Domain(), nil
}

// MakeUserID builds a full Matrix user ID from a localpart and server name.
func MakeUserID(localpart string, serverName spec.ServerName) string {
	return fmt.Sprintf("@%s:%s", localpart, serverName)
}
