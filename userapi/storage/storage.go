// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage opens the user API's database and exposes the credential
// store, token plane, and E2EE key plane operations over the
// concrete tables. Only SQLite is implemented (DESIGN.md "Storage engine
// choice").
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/sqlite3"
	"github.com/matrixhs/homeserver/userapi/storage/sqlite3/deltas"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

// Database is the user API's storage facade. Every write goes through
// writer so SQLite only ever sees one open write transaction at a time.
type Database struct {
	db            *sql.DB
	writer        sqlutil.Writer
	accounts      tables.Accounts
	devices       tables.Devices
	accessTokens  tables.AccessTokens
	refreshTokens tables.RefreshTokens
	deviceKeys    tables.DeviceKeys
	oneTimeKeys   tables.OneTimeKeys
	crossSigning  tables.CrossSigningKeys
	keyChanges    tables.KeyChanges
	megolm        tables.MegolmSessions
	keyBackup     tables.KeyBackup
	toDevice      tables.ToDevice
}

// ErrTokenRevoked is returned by RotateRefreshToken when the presented
// token was already consumed or invalidated; the caller must treat the
// whole family as compromised.
var ErrTokenRevoked = fmt.Errorf("userapi/storage: refresh token already used or revoked")

// Open opens the user API database per cfg and runs its schema creation.
func Open(cfg *config.Database) (*Database, error) {
	db, err := sqlutil.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("userapi/storage.Open: %w", err)
	}

	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateAccountsTable,
		sqlite3.CreateDevicesTable,
		sqlite3.CreateTokensTables,
		sqlite3.CreateDeviceKeysTable,
		sqlite3.CreateOneTimeKeysTable,
		sqlite3.CreateCrossSigningKeysTable,
		sqlite3.CreateKeyChangesTable,
		sqlite3.CreateMegolmSessionsTable,
		sqlite3.CreateKeyBackupTables,
		sqlite3.CreateToDeviceTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("userapi/storage.Open: %w", err)
		}
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "userapi: add account generation",
		Up:      deltas.UpAccountGeneration,
	})
	if err := m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("userapi/storage.Open: %w", err)
	}

	d := &Database{db: db, writer: sqlutil.NewExclusiveWriter()}
	if d.accounts, err = sqlite3.PrepareAccountsTable(db); err != nil {
		return nil, err
	}
	if d.devices, err = sqlite3.PrepareDevicesTable(db); err != nil {
		return nil, err
	}
	if d.accessTokens, err = sqlite3.PrepareAccessTokensTable(db); err != nil {
		return nil, err
	}
	if d.refreshTokens, err = sqlite3.PrepareRefreshTokensTable(db); err != nil {
		return nil, err
	}
	if d.deviceKeys, err = sqlite3.PrepareDeviceKeysTable(db); err != nil {
		return nil, err
	}
	if d.oneTimeKeys, err = sqlite3.PrepareOneTimeKeysTable(db); err != nil {
		return nil, err
	}
	if d.crossSigning, err = sqlite3.PrepareCrossSigningKeysTable(db); err != nil {
		return nil, err
	}
	if d.keyChanges, err = sqlite3.PrepareKeyChangesTable(db); err != nil {
		return nil, err
	}
	if d.megolm, err = sqlite3.PrepareMegolmSessionsTable(db); err != nil {
		return nil, err
	}
	if d.keyBackup, err = sqlite3.PrepareKeyBackupTable(db); err != nil {
		return nil, err
	}
	if d.toDevice, err = sqlite3.PrepareToDeviceTable(db); err != nil {
		return nil, err
	}
	return d, nil
}

// --- Accounts ---

func (d *Database) CreateAccount(
	ctx context.Context, localpart string, serverName spec.ServerName,
	hash, appserviceID string, accountType api.AccountType, createdTS spec.Timestamp,
) (*api.Account, error) {
	var acc *api.Account
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		acc, err = d.accounts.InsertAccount(ctx, txn, localpart, serverName, hash, appserviceID, accountType, createdTS)
		return err
	})
	return acc, err
}

func (d *Database) GetAccountByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) (*api.Account, error) {
	return d.accounts.SelectAccountByLocalpart(ctx, nil, localpart, serverName)
}

func (d *Database) GetPasswordHash(ctx context.Context, localpart string, serverName spec.ServerName) (string, error) {
	return d.accounts.SelectPasswordHash(ctx, nil, localpart, serverName)
}

// UpgradePasswordHash rewrites the stored hash in place without bumping the
// generation counter or touching tokens: the password itself is unchanged,
// only its encoding (legacy → Argon2id upgrade-on-login).
func (d *Database) UpgradePasswordHash(ctx context.Context, localpart string, serverName spec.ServerName, hash string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.accounts.UpdatePassword(ctx, txn, localpart, serverName, hash); err != nil {
			return err
		}
		return nil
	})
}

// SetPassword replaces the password hash, bumps the generation counter, and
// tombstones every access token and refresh token for the user in one
// transaction, returning the invalidated access tokens for cache eviction.
func (d *Database) SetPassword(
	ctx context.Context, localpart string, serverName spec.ServerName, hash string, ts spec.Timestamp,
) ([]string, error) {
	var revoked []string
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.accounts.UpdatePassword(ctx, txn, localpart, serverName, hash); err != nil {
			return err
		}
		var err error
		if revoked, err = d.accessTokens.InvalidateAccessTokensForUser(ctx, txn, localpart, serverName, ts); err != nil {
			return err
		}
		return d.refreshTokens.DeleteRefreshTokensForUser(ctx, txn, localpart, serverName)
	})
	return revoked, err
}

// DeactivateAccount flags the account, purges its tokens, and cascades
// device + E2EE key deletion. Returns the
// revoked access tokens and the deleted devices.
func (d *Database) DeactivateAccount(
	ctx context.Context, localpart string, serverName spec.ServerName, ts spec.Timestamp,
) (revoked []string, devices []api.Device, err error) {
	userID := "@" + localpart + ":" + string(serverName)
	err = d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.accounts.DeactivateAccount(ctx, txn, localpart, serverName); err != nil {
			return err
		}
		var err error
		if revoked, err = d.accessTokens.InvalidateAccessTokensForUser(ctx, txn, localpart, serverName, ts); err != nil {
			return err
		}
		if err = d.refreshTokens.DeleteRefreshTokensForUser(ctx, txn, localpart, serverName); err != nil {
			return err
		}
		if devices, err = d.devices.DeleteAllDevices(ctx, txn, localpart, serverName); err != nil {
			return err
		}
		for _, dev := range devices {
			if err = d.deviceKeys.DeleteDeviceKeys(ctx, txn, userID, dev.ID); err != nil {
				return err
			}
			if err = d.oneTimeKeys.DeleteOneTimeKeys(ctx, txn, userID, dev.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return
}

func (d *Database) SetProfile(ctx context.Context, localpart string, serverName spec.ServerName, displayName, avatarURL string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.accounts.UpdateProfile(ctx, txn, localpart, serverName, displayName, avatarURL)
	})
}

// --- Devices & tokens (/authoritative tier) ---

// CreateDevice inserts the device row plus its access token (and refresh
// token if given) in one transaction.
func (d *Database) CreateDevice(
	ctx context.Context, localpart string, serverName spec.ServerName, deviceID, displayName string,
	accessToken *api.TokenInfo, refreshToken *api.RefreshTokenInfo, createdTS spec.Timestamp,
) (*api.Device, error) {
	var dev *api.Device
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		existing, err := d.devices.SelectDeviceByID(ctx, txn, localpart, serverName, deviceID)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if existing == nil {
			if dev, err = d.devices.InsertDevice(ctx, txn, deviceID, localpart, serverName, displayName, createdTS); err != nil {
				return err
			}
		} else {
			dev = existing
			// Logging back into an existing device supersedes its old
			// tokens.
			if _, err = d.accessTokens.InvalidateAccessTokensForDevice(ctx, txn, localpart, serverName, deviceID, createdTS); err != nil {
				return err
			}
			if err = d.refreshTokens.DeleteRefreshTokensForDevice(ctx, txn, localpart, serverName, deviceID); err != nil {
				return err
			}
		}
		if err = d.accessTokens.InsertAccessToken(ctx, txn, accessToken); err != nil {
			return err
		}
		if refreshToken != nil {
			if err = d.refreshTokens.InsertRefreshToken(ctx, txn, refreshToken); err != nil {
				return err
			}
		}
		return nil
	})
	if dev != nil {
		dev.AccessToken = accessToken.Token
	}
	return dev, err
}

func (d *Database) GetDevice(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string) (*api.Device, error) {
	return d.devices.SelectDeviceByID(ctx, nil, localpart, serverName, deviceID)
}

func (d *Database) GetDevices(ctx context.Context, localpart string, serverName spec.ServerName) ([]api.Device, error) {
	return d.devices.SelectDevicesByLocalpart(ctx, nil, localpart, serverName)
}

func (d *Database) GetAccessToken(ctx context.Context, token string) (*api.TokenInfo, error) {
	return d.accessTokens.SelectAccessToken(ctx, nil, token)
}

func (d *Database) UpdateDeviceLastSeen(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string, ts spec.Timestamp) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.devices.UpdateDeviceLastSeen(ctx, txn, localpart, serverName, deviceID, ts)
	})
}

func (d *Database) UpdateDeviceName(ctx context.Context, localpart string, serverName spec.ServerName, deviceID, displayName string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.devices.UpdateDeviceName(ctx, txn, localpart, serverName, deviceID, displayName)
	})
}

// RemoveDevices deletes the given devices (all of them if deviceIDs is
// nil), their tokens, and their E2EE keys, returning the revoked access
// tokens for cache eviction.
func (d *Database) RemoveDevices(
	ctx context.Context, localpart string, serverName spec.ServerName, deviceIDs []string, ts spec.Timestamp,
) ([]string, error) {
	userID := "@" + localpart + ":" + string(serverName)
	var revoked []string
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		targets := deviceIDs
		if targets == nil {
			devices, err := d.devices.DeleteAllDevices(ctx, txn, localpart, serverName)
			if err != nil {
				return err
			}
			for _, dev := range devices {
				targets = append(targets, dev.ID)
			}
		} else if err := d.devices.DeleteDevices(ctx, txn, localpart, serverName, targets); err != nil {
			return err
		}
		for _, deviceID := range targets {
			tokens, err := d.accessTokens.InvalidateAccessTokensForDevice(ctx, txn, localpart, serverName, deviceID, ts)
			if err != nil {
				return err
			}
			revoked = append(revoked, tokens...)
			if err = d.refreshTokens.DeleteRefreshTokensForDevice(ctx, txn, localpart, serverName, deviceID); err != nil {
				return err
			}
			if err = d.deviceKeys.DeleteDeviceKeys(ctx, txn, userID, deviceID); err != nil {
				return err
			}
			if err = d.oneTimeKeys.DeleteOneTimeKeys(ctx, txn, userID, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	return revoked, err
}

// RotateRefreshToken implements the single-use exchange: the presented
// token is atomically consumed and a new (access, refresh) pair inserted.
// Presenting an already-consumed or invalidated token revokes the entire
// family and returns ErrTokenRevoked.
func (d *Database) RotateRefreshToken(
	ctx context.Context, token string, newAccess *api.TokenInfo, newRefresh *api.RefreshTokenInfo, ts spec.Timestamp,
) (*api.RefreshTokenInfo, []string, error) {
	var old *api.RefreshTokenInfo
	var familyRevoked []string
	replayed := false
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		old, err = d.refreshTokens.SelectRefreshToken(ctx, txn, token)
		if err != nil {
			return err
		}
		if old.ConsumedTS != 0 || old.InvalidatedTS != 0 ||
			(old.ExpiresTS != 0 && old.ExpiresTS <= ts) {
			// Replay after rotation: burn the whole family, including any
			// access tokens issued from it. The revocation must commit, so
			// the error is surfaced only after this transaction succeeds.
			replayed = true
			if err = d.refreshTokens.InvalidateRefreshTokenFamily(ctx, txn, old.FamilyID, ts); err != nil {
				return err
			}
			familyRevoked, err = d.accessTokens.InvalidateAccessTokensForDevice(ctx, txn, old.Localpart, old.ServerName, old.DeviceID, ts)
			return err
		}
		if err = d.refreshTokens.ConsumeRefreshToken(ctx, txn, token, ts); err != nil {
			return err
		}
		newAccess.Localpart, newAccess.ServerName, newAccess.DeviceID = old.Localpart, old.ServerName, old.DeviceID
		newRefresh.Localpart, newRefresh.ServerName, newRefresh.DeviceID = old.Localpart, old.ServerName, old.DeviceID
		newRefresh.FamilyID = old.FamilyID
		if newRefresh.ExpiresTS == 0 {
			// The family's absolute lifetime is fixed at login; rotation
			// never extends it.
			newRefresh.ExpiresTS = old.ExpiresTS
		}
		if err = d.accessTokens.InsertAccessToken(ctx, txn, newAccess); err != nil {
			return err
		}
		return d.refreshTokens.InsertRefreshToken(ctx, txn, newRefresh)
	})
	if err == nil && replayed {
		err = ErrTokenRevoked
	}
	return old, familyRevoked, err
}

// InvalidateAccessToken tombstones a single token (logout). An unknown or
// already-invalidated token is not an error.
func (d *Database) InvalidateAccessToken(ctx context.Context, token string, ts spec.Timestamp) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.accessTokens.InvalidateAccessToken(ctx, txn, token, ts)
	})
}

// --- E2EE key plane ---

// StoreDeviceKeys upserts the uploaded device keys and records a key
// change for each affected user, returning the latest change position.
func (d *Database) StoreDeviceKeys(ctx context.Context, keys []api.DeviceKeys) (int64, error) {
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.deviceKeys.UpsertDeviceKeys(ctx, txn, keys)
	})
	if err != nil {
		return 0, err
	}
	var latest int64
	seen := map[string]bool{}
	for _, key := range keys {
		if seen[key.UserID] {
			continue
		}
		seen[key.UserID] = true
		pos, err := d.keyChanges.InsertKeyChange(ctx, key.UserID)
		if err != nil {
			return 0, err
		}
		if pos > latest {
			latest = pos
		}
	}
	return latest, nil
}

func (d *Database) DeviceKeysJSON(ctx context.Context, keys []api.DeviceKeys) error {
	return d.deviceKeys.SelectDeviceKeysJSON(ctx, nil, keys)
}

func (d *Database) DeviceKeysForUser(ctx context.Context, userID string, deviceIDs []string) ([]api.DeviceKeys, error) {
	return d.deviceKeys.SelectBatchDeviceKeys(ctx, nil, userID, deviceIDs)
}

func (d *Database) StoreOneTimeKeys(ctx context.Context, keys api.OneTimeKeys) (*api.OneTimeKeysCount, error) {
	var counts *api.OneTimeKeysCount
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		counts, err = d.oneTimeKeys.InsertOneTimeKeys(ctx, txn, keys)
		return err
	})
	return counts, err
}

func (d *Database) OneTimeKeysCount(ctx context.Context, userID, deviceID string) (*api.OneTimeKeysCount, error) {
	return d.oneTimeKeys.CountOneTimeKeys(ctx, nil, userID, deviceID)
}

// ClaimOneTimeKey atomically removes and returns one unclaimed key, or nil
// if the device has none for the algorithm.
func (d *Database) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (map[string]json.RawMessage, error) {
	var claimed map[string]json.RawMessage
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		claimed, err = d.oneTimeKeys.SelectAndDeleteOneTimeKey(ctx, txn, userID, deviceID, algorithm)
		return err
	})
	return claimed, err
}

func (d *Database) StoreCrossSigningKeys(ctx context.Context, userID string, keys api.CrossSigningKeyMap) (int64, error) {
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		for purpose, keyJSON := range keys {
			if err := d.crossSigning.UpsertCrossSigningKey(ctx, txn, userID, purpose, keyJSON); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return d.keyChanges.InsertKeyChange(ctx, userID)
}

func (d *Database) CrossSigningKeysForUser(ctx context.Context, userID string) (api.CrossSigningKeyMap, error) {
	return d.crossSigning.SelectCrossSigningKeysForUser(ctx, nil, userID)
}

func (d *Database) KeyChanges(ctx context.Context, fromOffset, toOffset int64) ([]string, int64, error) {
	return d.keyChanges.SelectKeyChanges(ctx, fromOffset, toOffset)
}

func (d *Database) MarkKeyChange(ctx context.Context, userID string) (int64, error) {
	return d.keyChanges.InsertKeyChange(ctx, userID)
}

func (d *Database) StoreMegolmSession(ctx context.Context, info *api.MegolmSessionInfo) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.megolm.UpsertMegolmSession(ctx, txn, info)
	})
}

func (d *Database) MegolmSession(ctx context.Context, roomID, sessionID string) (*api.MegolmSessionInfo, error) {
	return d.megolm.SelectMegolmSession(ctx, nil, roomID, sessionID)
}

func (d *Database) MegolmSessionsForRoom(ctx context.Context, roomID string) ([]*api.MegolmSessionInfo, error) {
	return d.megolm.SelectMegolmSessionsForRoom(ctx, nil, roomID)
}

// --- Key backup ---

func (d *Database) CreateKeyBackup(ctx context.Context, userID, algorithm string, authData json.RawMessage, ts spec.Timestamp) (string, error) {
	var version string
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		version, err = d.keyBackup.InsertBackupVersion(ctx, txn, userID, algorithm, authData, ts)
		return err
	})
	return version, err
}

func (d *Database) UpdateKeyBackupAuthData(ctx context.Context, userID, version string, authData json.RawMessage) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.keyBackup.UpdateBackupAuthData(ctx, txn, userID, version, authData)
	})
}

func (d *Database) DeleteKeyBackup(ctx context.Context, userID, version string) (bool, error) {
	var exists bool
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		exists, err = d.keyBackup.DeleteBackupVersion(ctx, txn, userID, version)
		return err
	})
	return exists, err
}

func (d *Database) GetKeyBackup(ctx context.Context, userID, version string) (*api.KeyBackupVersionInfo, error) {
	return d.keyBackup.SelectBackupVersion(ctx, nil, userID, version)
}

// UpsertKeyBackupKeys applies the overwrite policy per key: a stored key is
// only replaced when the incoming one is better evidence of the earliest
// ratchet state (api.KeyBackupSession.ShouldReplaceRoomKey). Returns the
// backup's new key count and etag.
func (d *Database) UpsertKeyBackupKeys(
	ctx context.Context, userID, version string, uploads map[string]map[string]api.KeyBackupSession,
) (count int64, etag string, err error) {
	err = d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		for roomID, sessions := range uploads {
			for sessionID, incoming := range sessions {
				existing, err := d.keyBackup.SelectBackupKey(ctx, txn, userID, version, roomID, sessionID)
				if err != nil && err != sql.ErrNoRows {
					return err
				}
				if existing != nil && !existing.ShouldReplaceRoomKey(&incoming) {
					continue
				}
				key := incoming
				if err := d.keyBackup.UpsertBackupKey(ctx, txn, userID, version, roomID, sessionID, &key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	info, err := d.keyBackup.SelectBackupVersion(ctx, nil, userID, version)
	if err != nil {
		return 0, "", err
	}
	return info.Count, info.ETag, nil
}

func (d *Database) GetKeyBackupKeys(
	ctx context.Context, userID, version, filterRoomID, filterSessionID string,
) (map[string]map[string]api.KeyBackupSession, error) {
	return d.keyBackup.SelectBackupKeys(ctx, nil, userID, version, filterRoomID, filterSessionID)
}

// --- To-device messages ---

func (d *Database) StoreToDeviceMessage(
	ctx context.Context, userID, deviceID, sender, messageType string, content json.RawMessage,
) (int64, error) {
	var pos int64
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var err error
		pos, err = d.toDevice.InsertToDeviceMessage(ctx, txn, userID, deviceID, sender, messageType, content)
		return err
	})
	return pos, err
}

func (d *Database) ToDeviceMessages(
	ctx context.Context, userID, deviceID string, fromPos, toPos int64,
) ([]api.ToDeviceEvent, int64, error) {
	return d.toDevice.SelectToDeviceMessages(ctx, nil, userID, deviceID, fromPos, toPos)
}

// AckToDeviceMessages deletes delivered messages up to and including pos.
func (d *Database) AckToDeviceMessages(ctx context.Context, userID, deviceID string, pos int64) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.toDevice.DeleteToDeviceMessages(ctx, txn, userID, deviceID, pos)
	})
}

func (d *Database) MaxToDevicePosition(ctx context.Context, userID, deviceID string) (int64, error) {
	return d.toDevice.SelectMaxToDevicePosition(ctx, nil, userID, deviceID)
}
