// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the user API's storage interfaces: the credential
// store, token plane (authoritative tier), and the E2EE key plane
// . Implemented concretely in storage/sqlite3 and wired together by
// storage.Database.
package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/userapi/api"
)

// Accounts is the users table.
type Accounts interface {
	InsertAccount(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, hash, appserviceID string, accountType api.AccountType, createdTS spec.Timestamp) (*api.Account, error)
	SelectAccountByLocalpart(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) (*api.Account, error)
	SelectPasswordHash(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) (string, error)
	// UpdatePassword replaces the stored hash and bumps the generation
	// counter in the same statement.
	UpdatePassword(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, hash string) error
	DeactivateAccount(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) error
	UpdateProfile(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, displayName, avatarURL string) error
}

// Devices is the devices table. Token columns live in
// their own tables; a device row only records identity and liveness.
type Devices interface {
	InsertDevice(ctx context.Context, txn *sql.Tx, id, localpart string, serverName spec.ServerName, displayName string, createdTS spec.Timestamp) (*api.Device, error)
	SelectDeviceByID(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string) (*api.Device, error)
	SelectDevicesByLocalpart(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) ([]api.Device, error)
	DeleteDevices(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceIDs []string) error
	DeleteAllDevices(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) ([]api.Device, error)
	UpdateDeviceName(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID, displayName string) error
	UpdateDeviceLastSeen(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string, ts spec.Timestamp) error
}

// AccessTokens is the opaque access-token table; the authoritative
// revocation record behind the session cache.
type AccessTokens interface {
	InsertAccessToken(ctx context.Context, txn *sql.Tx, info *api.TokenInfo) error
	SelectAccessToken(ctx context.Context, txn *sql.Tx, token string) (*api.TokenInfo, error)
	InvalidateAccessToken(ctx context.Context, txn *sql.Tx, token string, ts spec.Timestamp) error
	// InvalidateAccessTokensForUser tombstones every live token for the user
	// (password change, deactivation) and returns the tokens touched so the
	// caller can evict them from both cache tiers.
	InvalidateAccessTokensForUser(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, ts spec.Timestamp) ([]string, error)
	InvalidateAccessTokensForDevice(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string, ts spec.Timestamp) ([]string, error)
}

// RefreshTokens is the single-use refresh-token table with family tracking.
type RefreshTokens interface {
	InsertRefreshToken(ctx context.Context, txn *sql.Tx, info *api.RefreshTokenInfo) error
	SelectRefreshToken(ctx context.Context, txn *sql.Tx, token string) (*api.RefreshTokenInfo, error)
	ConsumeRefreshToken(ctx context.Context, txn *sql.Tx, token string, ts spec.Timestamp) error
	InvalidateRefreshTokenFamily(ctx context.Context, txn *sql.Tx, familyID string, ts spec.Timestamp) error
	DeleteRefreshTokensForDevice(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string) error
	DeleteRefreshTokensForUser(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) error
}

// DeviceKeys is the long-term device identity key table. Keys are stored as the client's signed JSON blob.
type DeviceKeys interface {
	UpsertDeviceKeys(ctx context.Context, txn *sql.Tx, keys []api.DeviceKeys) error
	SelectDeviceKeysJSON(ctx context.Context, txn *sql.Tx, keys []api.DeviceKeys) error
	SelectBatchDeviceKeys(ctx context.Context, txn *sql.Tx, userID string, deviceIDs []string) ([]api.DeviceKeys, error)
	DeleteDeviceKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) error
}

// OneTimeKeys is the one-time pre-key table; claims are single-row
// delete-and-return so each key is handed to at most one caller.
type OneTimeKeys interface {
	InsertOneTimeKeys(ctx context.Context, txn *sql.Tx, keys api.OneTimeKeys) (*api.OneTimeKeysCount, error)
	CountOneTimeKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) (*api.OneTimeKeysCount, error)
	SelectAndDeleteOneTimeKey(ctx context.Context, txn *sql.Tx, userID, deviceID, algorithm string) (map[string]json.RawMessage, error)
	DeleteOneTimeKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) error
}

// CrossSigningKeys stores one key per (user, purpose).
type CrossSigningKeys interface {
	UpsertCrossSigningKey(ctx context.Context, txn *sql.Tx, userID string, purpose api.CrossSigningKeyPurpose, keyJSON json.RawMessage) error
	SelectCrossSigningKeysForUser(ctx context.Context, txn *sql.Tx, userID string) (api.CrossSigningKeyMap, error)
}

// KeyChanges is the monotonic key-change stream driving peer re-verification.
type KeyChanges interface {
	InsertKeyChange(ctx context.Context, userID string) (int64, error)
	// SelectKeyChanges returns the users whose keys changed in (fromOffset,
	// toOffset], plus the highest offset seen for the next token.
	SelectKeyChanges(ctx context.Context, fromOffset, toOffset int64) (userIDs []string, latestOffset int64, err error)
}

// MegolmSessions is the outbound group-session index; the server never stores the session key itself.
type MegolmSessions interface {
	UpsertMegolmSession(ctx context.Context, txn *sql.Tx, info *api.MegolmSessionInfo) error
	SelectMegolmSession(ctx context.Context, txn *sql.Tx, roomID, sessionID string) (*api.MegolmSessionInfo, error)
	SelectMegolmSessionsForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]*api.MegolmSessionInfo, error)
}

// KeyBackup is the versioned, client-encrypted session-key archive.
type KeyBackup interface {
	InsertBackupVersion(ctx context.Context, txn *sql.Tx, userID, algorithm string, authData json.RawMessage, createdTS spec.Timestamp) (version string, err error)
	UpdateBackupAuthData(ctx context.Context, txn *sql.Tx, userID, version string, authData json.RawMessage) error
	DeleteBackupVersion(ctx context.Context, txn *sql.Tx, userID, version string) (exists bool, err error)
	// SelectBackupVersion returns version's info, or the latest non-deleted
	// version when version is empty.
	SelectBackupVersion(ctx context.Context, txn *sql.Tx, userID, version string) (*api.KeyBackupVersionInfo, error)
	CountBackupKeys(ctx context.Context, txn *sql.Tx, userID, version string) (int64, error)
	UpsertBackupKey(ctx context.Context, txn *sql.Tx, userID, version, roomID, sessionID string, key *api.KeyBackupSession) error
	SelectBackupKey(ctx context.Context, txn *sql.Tx, userID, version, roomID, sessionID string) (*api.KeyBackupSession, error)
	// SelectBackupKeys returns roomID → sessionID → key; empty filter
	// strings match everything.
	SelectBackupKeys(ctx context.Context, txn *sql.Tx, userID, version, filterRoomID, filterSessionID string) (map[string]map[string]api.KeyBackupSession, error)
}

// ToDevice is the FIFO per-(user, device) message queue delivered through
// sync and deleted once acknowledged.
type ToDevice interface {
	InsertToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID, sender, messageType string, content json.RawMessage) (pos int64, err error)
	SelectToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, fromPos, toPos int64) (events []api.ToDeviceEvent, lastPos int64, err error)
	DeleteToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upToPos int64) error
	SelectMaxToDevicePosition(ctx context.Context, txn *sql.Tx, userID, deviceID string) (int64, error)
}
