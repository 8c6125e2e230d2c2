// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// DeviceKeys is one device's long-term identity keys as uploaded by the
// client: the raw signed JSON plus the identifiers extracted for indexing.
type DeviceKeys struct {
	UserID      string
	DeviceID    string
	DisplayName string
	// KeyJSON is the full signed device_keys object; served back verbatim
	// from /keys/query so client-side signature checks keep working.
	KeyJSON json.RawMessage
}

// OneTimeKeys bundles a device's uploaded one-time pre-keys, keyed by
// "algorithm:key_id" exactly as in the upload body.
type OneTimeKeys struct {
	UserID   string
	DeviceID string
	KeyJSON  map[string]json.RawMessage
}

// OneTimeKeysCount reports how many unclaimed keys a device has left per
// algorithm, surfaced in every sync response so clients know when to top up.
type OneTimeKeysCount struct {
	UserID   string
	DeviceID string
	KeyCount map[string]int
}

// CrossSigningKeyPurpose is the usage slot of a cross-signing key; a user
// has exactly one key per purpose.
type CrossSigningKeyPurpose string

const (
	CrossSigningKeyPurposeMaster      CrossSigningKeyPurpose = "master"
	CrossSigningKeyPurposeSelfSigning CrossSigningKeyPurpose = "self_signing"
	CrossSigningKeyPurposeUserSigning CrossSigningKeyPurpose = "user_signing"
)

// CrossSigningKeyMap holds a user's cross-signing keys by purpose, each the
// raw signed JSON as uploaded.
type CrossSigningKeyMap map[CrossSigningKeyPurpose]json.RawMessage

// MegolmSessionInfo is the server-side index entry for an outbound group
// session: the server never holds the session key itself,
// only enough to route encrypted events and key backup.
type MegolmSessionInfo struct {
	SessionID   string
	RoomID      string
	SenderKey   string
	Algorithm   string
	FirstSeenTS spec.Timestamp
}

// KeyBackupVersionInfo describes one backup version.
type KeyBackupVersionInfo struct {
	Version   string
	Algorithm string
	AuthData  json.RawMessage
	ETag      string
	Count     int64
	Deleted   bool
}

// KeyBackupSession is one encrypted session key inside a backup, opaque to
// the server beyond the metadata used for the overwrite policy.
type KeyBackupSession struct {
	FirstMessageIndex int64           `json:"first_message_index"`
	ForwardedCount    int64           `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// ShouldReplaceRoomKey implements the backup overwrite policy: an incoming
// key replaces the stored one only when it is strictly better evidence of
// the earliest ratchet state (lower first_message_index, or equal index
// with fewer forwards, or newly verified). See DESIGN.md for the recorded
// Open Question decision.
func (a *KeyBackupSession) ShouldReplaceRoomKey(newKey *KeyBackupSession) bool {
	if newKey.IsVerified != a.IsVerified {
		return newKey.IsVerified
	}
	if newKey.FirstMessageIndex != a.FirstMessageIndex {
		return newKey.FirstMessageIndex < a.FirstMessageIndex
	}
	return newKey.ForwardedCount < a.ForwardedCount
}

// ToDeviceEvent is one queued to-device message as it appears in the sync
// response's to_device.events array.
type ToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// KeyError reports a per-target failure inside an otherwise successful
// keys/query or keys/claim response.
type KeyError struct {
	Err string `json:"error"`
}

func (k *KeyError) Error() string { return k.Err }
