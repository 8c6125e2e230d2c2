// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const keyBackupsSchema = `
CREATE TABLE IF NOT EXISTS userapi_key_backup_versions (
	user_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	algorithm TEXT NOT NULL,
	auth_data TEXT NOT NULL,
	etag INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	PRIMARY KEY (user_id, version)
);

CREATE TABLE IF NOT EXISTS userapi_key_backup_keys (
	user_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	first_message_index INTEGER NOT NULL,
	forwarded_count INTEGER NOT NULL,
	is_verified INTEGER NOT NULL,
	session_data TEXT NOT NULL,
	PRIMARY KEY (user_id, version, room_id, session_id)
);
`

const insertBackupVersionSQL = "" +
	"INSERT INTO userapi_key_backup_versions (user_id, version, algorithm, auth_data, created_ts)" +
	" VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM userapi_key_backup_versions WHERE user_id = $1), $2, $3, $4)" +
	" RETURNING version"

const updateBackupAuthDataSQL = "" +
	"UPDATE userapi_key_backup_versions SET auth_data = $1 WHERE user_id = $2 AND version = $3 AND deleted = 0"

const deleteBackupVersionSQL = "" +
	"UPDATE userapi_key_backup_versions SET deleted = 1 WHERE user_id = $1 AND version = $2 AND deleted = 0"

const selectBackupVersionSQL = "" +
	"SELECT version, algorithm, auth_data, etag, deleted FROM userapi_key_backup_versions" +
	" WHERE user_id = $1 AND version = $2"

const selectLatestBackupVersionSQL = "" +
	"SELECT version, algorithm, auth_data, etag, deleted FROM userapi_key_backup_versions" +
	" WHERE user_id = $1 AND deleted = 0 ORDER BY version DESC LIMIT 1"

const updateBackupETagSQL = "" +
	"UPDATE userapi_key_backup_versions SET etag = etag + 1 WHERE user_id = $1 AND version = $2"

const countBackupKeysSQL = "" +
	"SELECT COUNT(*) FROM userapi_key_backup_keys WHERE user_id = $1 AND version = $2"

const upsertBackupKeySQL = "" +
	"INSERT INTO userapi_key_backup_keys (user_id, version, room_id, session_id, first_message_index, forwarded_count, is_verified, session_data)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (user_id, version, room_id, session_id) DO UPDATE SET" +
	" first_message_index = excluded.first_message_index, forwarded_count = excluded.forwarded_count," +
	" is_verified = excluded.is_verified, session_data = excluded.session_data"

const selectBackupKeySQL = "" +
	"SELECT first_message_index, forwarded_count, is_verified, session_data FROM userapi_key_backup_keys" +
	" WHERE user_id = $1 AND version = $2 AND room_id = $3 AND session_id = $4"

const selectBackupKeysSQL = "" +
	"SELECT room_id, session_id, first_message_index, forwarded_count, is_verified, session_data" +
	" FROM userapi_key_backup_keys WHERE user_id = $1 AND version = $2"

type keyBackupStatements struct {
	db                            *sql.DB
	insertBackupVersionStmt       *sql.Stmt
	updateBackupAuthDataStmt      *sql.Stmt
	deleteBackupVersionStmt       *sql.Stmt
	selectBackupVersionStmt       *sql.Stmt
	selectLatestBackupVersionStmt *sql.Stmt
	updateBackupETagStmt          *sql.Stmt
	countBackupKeysStmt           *sql.Stmt
	upsertBackupKeyStmt           *sql.Stmt
	selectBackupKeyStmt           *sql.Stmt
	selectBackupKeysStmt          *sql.Stmt
}

func CreateKeyBackupTables(db *sql.DB) error {
	_, err := db.Exec(keyBackupsSchema)
	return err
}

func PrepareKeyBackupTable(db *sql.DB) (tables.KeyBackup, error) {
	s := &keyBackupStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertBackupVersionStmt, insertBackupVersionSQL},
		{&s.updateBackupAuthDataStmt, updateBackupAuthDataSQL},
		{&s.deleteBackupVersionStmt, deleteBackupVersionSQL},
		{&s.selectBackupVersionStmt, selectBackupVersionSQL},
		{&s.selectLatestBackupVersionStmt, selectLatestBackupVersionSQL},
		{&s.updateBackupETagStmt, updateBackupETagSQL},
		{&s.countBackupKeysStmt, countBackupKeysSQL},
		{&s.upsertBackupKeyStmt, upsertBackupKeySQL},
		{&s.selectBackupKeyStmt, selectBackupKeySQL},
		{&s.selectBackupKeysStmt, selectBackupKeysSQL},
	}.Prepare(db)
}

func (s *keyBackupStatements) InsertBackupVersion(
	ctx context.Context, txn *sql.Tx, userID, algorithm string, authData json.RawMessage, createdTS spec.Timestamp,
) (string, error) {
	var version int64
	stmt := sqlutil.TxStmt(txn, s.insertBackupVersionStmt)
	if err := stmt.QueryRowContext(ctx, userID, algorithm, string(authData), createdTS).Scan(&version); err != nil {
		return "", err
	}
	return strconv.FormatInt(version, 10), nil
}

func (s *keyBackupStatements) UpdateBackupAuthData(
	ctx context.Context, txn *sql.Tx, userID, version string, authData json.RawMessage,
) error {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updateBackupAuthDataStmt)
	_, err = stmt.ExecContext(ctx, string(authData), userID, versionNum)
	return err
}

func (s *keyBackupStatements) DeleteBackupVersion(
	ctx context.Context, txn *sql.Tx, userID, version string,
) (bool, error) {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return false, err
	}
	stmt := sqlutil.TxStmt(txn, s.deleteBackupVersionStmt)
	res, err := stmt.ExecContext(ctx, userID, versionNum)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *keyBackupStatements) SelectBackupVersion(
	ctx context.Context, txn *sql.Tx, userID, version string,
) (*api.KeyBackupVersionInfo, error) {
	var info api.KeyBackupVersionInfo
	var versionNum, etag int64
	var authData string
	var row *sql.Row
	if version == "" {
		row = sqlutil.TxStmt(txn, s.selectLatestBackupVersionStmt).QueryRowContext(ctx, userID)
	} else {
		num, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return nil, sql.ErrNoRows
		}
		row = sqlutil.TxStmt(txn, s.selectBackupVersionStmt).QueryRowContext(ctx, userID, num)
	}
	if err := row.Scan(&versionNum, &info.Algorithm, &authData, &etag, &info.Deleted); err != nil {
		return nil, err
	}
	info.Version = strconv.FormatInt(versionNum, 10)
	info.AuthData = json.RawMessage(authData)
	info.ETag = strconv.FormatInt(etag, 10)
	count, err := s.CountBackupKeys(ctx, txn, userID, info.Version)
	if err != nil {
		return nil, err
	}
	info.Count = count
	return &info, nil
}

func (s *keyBackupStatements) CountBackupKeys(
	ctx context.Context, txn *sql.Tx, userID, version string,
) (int64, error) {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 0, err
	}
	var count int64
	stmt := sqlutil.TxStmt(txn, s.countBackupKeysStmt)
	if err := stmt.QueryRowContext(ctx, userID, versionNum).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *keyBackupStatements) UpsertBackupKey(
	ctx context.Context, txn *sql.Tx, userID, version, roomID, sessionID string, key *api.KeyBackupSession,
) error {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.upsertBackupKeyStmt)
	if _, err := stmt.ExecContext(
		ctx, userID, versionNum, roomID, sessionID,
		key.FirstMessageIndex, key.ForwardedCount, key.IsVerified, string(key.SessionData),
	); err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateBackupETagStmt).ExecContext(ctx, userID, versionNum)
	return err
}

func (s *keyBackupStatements) SelectBackupKey(
	ctx context.Context, txn *sql.Tx, userID, version, roomID, sessionID string,
) (*api.KeyBackupSession, error) {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return nil, sql.ErrNoRows
	}
	var key api.KeyBackupSession
	var sessionData string
	stmt := sqlutil.TxStmt(txn, s.selectBackupKeyStmt)
	err = stmt.QueryRowContext(ctx, userID, versionNum, roomID, sessionID).Scan(
		&key.FirstMessageIndex, &key.ForwardedCount, &key.IsVerified, &sessionData,
	)
	if err != nil {
		return nil, err
	}
	key.SessionData = json.RawMessage(sessionData)
	return &key, nil
}

func (s *keyBackupStatements) SelectBackupKeys(
	ctx context.Context, txn *sql.Tx, userID, version, filterRoomID, filterSessionID string,
) (map[string]map[string]api.KeyBackupSession, error) {
	versionNum, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return nil, sql.ErrNoRows
	}
	stmt := sqlutil.TxStmt(txn, s.selectBackupKeysStmt)
	rows, err := stmt.QueryContext(ctx, userID, versionNum)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectBackupKeys: rows.close() failed")

	result := map[string]map[string]api.KeyBackupSession{}
	for rows.Next() {
		var roomID, sessionID, sessionData string
		var key api.KeyBackupSession
		if err := rows.Scan(&roomID, &sessionID, &key.FirstMessageIndex, &key.ForwardedCount, &key.IsVerified, &sessionData); err != nil {
			return nil, err
		}
		if filterRoomID != "" && roomID != filterRoomID {
			continue
		}
		if filterSessionID != "" && sessionID != filterSessionID {
			continue
		}
		key.SessionData = json.RawMessage(sessionData)
		if result[roomID] == nil {
			result[roomID] = map[string]api.KeyBackupSession{}
		}
		result[roomID][sessionID] = key
	}
	return result, rows.Err()
}
