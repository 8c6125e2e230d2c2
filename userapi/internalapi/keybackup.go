// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/userapi/api"
)

// PerformKeyBackupCreation creates a new backup version and makes it the
// active one.
func (a *UserInternalAPI) PerformKeyBackupCreation(
	ctx context.Context, userID, algorithm string, authData json.RawMessage,
) (version string, err error) {
	return a.DB.CreateKeyBackup(ctx, userID, algorithm, authData, spec.AsTimestamp(time.Now()))
}

// PerformKeyBackupUpdate replaces a version's auth_data without touching
// its keys.
func (a *UserInternalAPI) PerformKeyBackupUpdate(
	ctx context.Context, userID, version string, authData json.RawMessage,
) error {
	return a.DB.UpdateKeyBackupAuthData(ctx, userID, version, authData)
}

// PerformKeyBackupDeletion marks a version deleted; queries for that
// version then return NotFound. Its key rows are not removed.
func (a *UserInternalAPI) PerformKeyBackupDeletion(ctx context.Context, userID, version string) error {
	exists, err := a.DB.DeleteKeyBackup(ctx, userID, version)
	if err != nil {
		return err
	}
	if !exists {
		return apierrors.NotFound("Unknown backup version")
	}
	return nil
}

// QueryKeyBackup returns version's metadata, or the latest active version
// when version is empty.
func (a *UserInternalAPI) QueryKeyBackup(ctx context.Context, userID, version string) (*api.KeyBackupVersionInfo, error) {
	info, err := a.DB.GetKeyBackup(ctx, userID, version)
	if err == sql.ErrNoRows {
		return nil, apierrors.NotFound("Unknown backup version")
	}
	if err != nil {
		return nil, err
	}
	if info.Deleted {
		return nil, apierrors.NotFound("Backup version has been deleted")
	}
	return info, nil
}

// PerformKeyBackupUpload stores encrypted session keys into version,
// applying the keep-earliest overwrite policy, and returns the backup's
// new count and etag. Uploading to anything but the active version is
// rejected so clients can't scatter keys across stale versions.
func (a *UserInternalAPI) PerformKeyBackupUpload(
	ctx context.Context, userID, version string, uploads map[string]map[string]api.KeyBackupSession,
) (count int64, etag string, err error) {
	active, err := a.DB.GetKeyBackup(ctx, userID, "")
	if err == sql.ErrNoRows {
		return 0, "", apierrors.NotFound("No backup version exists")
	}
	if err != nil {
		return 0, "", err
	}
	if active.Version != version {
		return 0, "", apierrors.Forbidden("Uploads must target the active backup version")
	}
	return a.DB.UpsertKeyBackupKeys(ctx, userID, version, uploads)
}

// QueryKeyBackupKeys fetches stored keys, optionally filtered to one room
// or one session. The server returns the ciphertext exactly as uploaded;
// it can't decrypt it.
func (a *UserInternalAPI) QueryKeyBackupKeys(
	ctx context.Context, userID, version, roomID, sessionID string,
) (map[string]map[string]api.KeyBackupSession, error) {
	if _, err := a.QueryKeyBackup(ctx, userID, version); err != nil {
		return nil, err
	}
	return a.DB.GetKeyBackupKeys(ctx, userID, version, roomID, sessionID)
}
