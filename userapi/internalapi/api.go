// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internalapi implements the user API: the credential store
// operations, the token fast-path over the two-tier session cache, and
// the E2EE key plane.
package internalapi

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/matrixhs/homeserver/internal/caching"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/userapi/producers"
	"github.com/matrixhs/homeserver/userapi/storage"
)

// UserInternalAPI is the concrete user API; the other components depend on
// the narrower interfaces in userapi/api rather than on this struct.
type UserInternalAPI struct {
	DB     *storage.Database
	Config *config.UserAPI

	SessionCache *caching.SessionCache

	KeyChangeProducer    *producers.KeyChange
	SendToDeviceProducer *producers.SendToDevice

	// FedKeyQuerier, when set, forwards /keys/query and /keys/claim
	// requests for non-local users to their homeservers. Nil disables
	// remote queries (federation off).
	FedKeyQuerier FederatedKeyQuerier
}

const accessTokenPrefix = "syt_"
const refreshTokenPrefix = "syr_"

// newToken mints an opaque random token. The prefix makes leaked tokens
// greppable in logs and bug reports without revealing anything.
func newToken(prefix string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("userapi: generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// newDeviceID mints a device identifier for logins that don't supply one.
func newDeviceID() string {
	return uuid.NewString()
}
