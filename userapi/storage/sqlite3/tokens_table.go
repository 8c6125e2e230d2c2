// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const tokensSchema = `
CREATE TABLE IF NOT EXISTS userapi_access_tokens (
	token TEXT NOT NULL PRIMARY KEY,
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	device_id TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL DEFAULT 0,
	invalidated_ts BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_userapi_access_tokens_user
	ON userapi_access_tokens(localpart, server_name);

CREATE TABLE IF NOT EXISTS userapi_refresh_tokens (
	token TEXT NOT NULL PRIMARY KEY,
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	device_id TEXT NOT NULL,
	family_id TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL DEFAULT 0,
	invalidated_ts BIGINT NOT NULL DEFAULT 0,
	consumed_ts BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_userapi_refresh_tokens_family
	ON userapi_refresh_tokens(family_id);
`

const insertAccessTokenSQL = "" +
	"INSERT INTO userapi_access_tokens (token, localpart, server_name, device_id, created_ts, expires_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectAccessTokenSQL = "" +
	"SELECT token, localpart, server_name, device_id, created_ts, expires_ts, invalidated_ts" +
	" FROM userapi_access_tokens WHERE token = $1"

const invalidateAccessTokenSQL = "" +
	"UPDATE userapi_access_tokens SET invalidated_ts = $1 WHERE token = $2 AND invalidated_ts = 0"

const invalidateAccessTokensForUserSQL = "" +
	"UPDATE userapi_access_tokens SET invalidated_ts = $1" +
	" WHERE localpart = $2 AND server_name = $3 AND invalidated_ts = 0" +
	" RETURNING token"

const invalidateAccessTokensForDeviceSQL = "" +
	"UPDATE userapi_access_tokens SET invalidated_ts = $1" +
	" WHERE localpart = $2 AND server_name = $3 AND device_id = $4 AND invalidated_ts = 0" +
	" RETURNING token"

const insertRefreshTokenSQL = "" +
	"INSERT INTO userapi_refresh_tokens (token, localpart, server_name, device_id, family_id, created_ts, expires_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)"

const selectRefreshTokenSQL = "" +
	"SELECT token, localpart, server_name, device_id, family_id, created_ts, expires_ts, invalidated_ts, consumed_ts" +
	" FROM userapi_refresh_tokens WHERE token = $1"

const consumeRefreshTokenSQL = "" +
	"UPDATE userapi_refresh_tokens SET consumed_ts = $1 WHERE token = $2 AND consumed_ts = 0"

const invalidateRefreshTokenFamilySQL = "" +
	"UPDATE userapi_refresh_tokens SET invalidated_ts = $1 WHERE family_id = $2 AND invalidated_ts = 0"

const deleteRefreshTokensForDeviceSQL = "" +
	"DELETE FROM userapi_refresh_tokens WHERE localpart = $1 AND server_name = $2 AND device_id = $3"

const deleteRefreshTokensForUserSQL = "" +
	"DELETE FROM userapi_refresh_tokens WHERE localpart = $1 AND server_name = $2"

type tokensStatements struct {
	db                                  *sql.DB
	insertAccessTokenStmt               *sql.Stmt
	selectAccessTokenStmt               *sql.Stmt
	invalidateAccessTokenStmt           *sql.Stmt
	invalidateAccessTokensForUserStmt   *sql.Stmt
	invalidateAccessTokensForDeviceStmt *sql.Stmt
}

type refreshTokensStatements struct {
	db                               *sql.DB
	insertRefreshTokenStmt           *sql.Stmt
	selectRefreshTokenStmt           *sql.Stmt
	consumeRefreshTokenStmt          *sql.Stmt
	invalidateRefreshTokenFamilyStmt *sql.Stmt
	deleteRefreshForDeviceStmt       *sql.Stmt
	deleteRefreshForUserStmt         *sql.Stmt
}

func CreateTokensTables(db *sql.DB) error {
	_, err := db.Exec(tokensSchema)
	return err
}

func PrepareAccessTokensTable(db *sql.DB) (tables.AccessTokens, error) {
	s := &tokensStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertAccessTokenStmt, insertAccessTokenSQL},
		{&s.selectAccessTokenStmt, selectAccessTokenSQL},
		{&s.invalidateAccessTokenStmt, invalidateAccessTokenSQL},
		{&s.invalidateAccessTokensForUserStmt, invalidateAccessTokensForUserSQL},
		{&s.invalidateAccessTokensForDeviceStmt, invalidateAccessTokensForDeviceSQL},
	}.Prepare(db)
}

func PrepareRefreshTokensTable(db *sql.DB) (tables.RefreshTokens, error) {
	s := &refreshTokensStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertRefreshTokenStmt, insertRefreshTokenSQL},
		{&s.selectRefreshTokenStmt, selectRefreshTokenSQL},
		{&s.consumeRefreshTokenStmt, consumeRefreshTokenSQL},
		{&s.invalidateRefreshTokenFamilyStmt, invalidateRefreshTokenFamilySQL},
		{&s.deleteRefreshForDeviceStmt, deleteRefreshTokensForDeviceSQL},
		{&s.deleteRefreshForUserStmt, deleteRefreshTokensForUserSQL},
	}.Prepare(db)
}

func (s *tokensStatements) InsertAccessToken(ctx context.Context, txn *sql.Tx, info *api.TokenInfo) error {
	stmt := sqlutil.TxStmt(txn, s.insertAccessTokenStmt)
	_, err := stmt.ExecContext(ctx, info.Token, info.Localpart, info.ServerName, info.DeviceID, info.CreatedTS, info.ExpiresTS)
	return err
}

func (s *tokensStatements) SelectAccessToken(ctx context.Context, txn *sql.Tx, token string) (*api.TokenInfo, error) {
	var info api.TokenInfo
	stmt := sqlutil.TxStmt(txn, s.selectAccessTokenStmt)
	err := stmt.QueryRowContext(ctx, token).Scan(
		&info.Token, &info.Localpart, &info.ServerName, &info.DeviceID,
		&info.CreatedTS, &info.ExpiresTS, &info.InvalidatedTS,
	)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *tokensStatements) InvalidateAccessToken(ctx context.Context, txn *sql.Tx, token string, ts spec.Timestamp) error {
	stmt := sqlutil.TxStmt(txn, s.invalidateAccessTokenStmt)
	_, err := stmt.ExecContext(ctx, ts, token)
	return err
}

func (s *tokensStatements) InvalidateAccessTokensForUser(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, ts spec.Timestamp,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.invalidateAccessTokensForUserStmt)
	rows, err := stmt.QueryContext(ctx, ts, localpart, serverName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "InvalidateAccessTokensForUser: rows.close() failed")
	return scanTokens(rows)
}

func (s *tokensStatements) InvalidateAccessTokensForDevice(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string, ts spec.Timestamp,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.invalidateAccessTokensForDeviceStmt)
	rows, err := stmt.QueryContext(ctx, ts, localpart, serverName, deviceID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "InvalidateAccessTokensForDevice: rows.close() failed")
	return scanTokens(rows)
}

func (s *refreshTokensStatements) InsertRefreshToken(ctx context.Context, txn *sql.Tx, info *api.RefreshTokenInfo) error {
	stmt := sqlutil.TxStmt(txn, s.insertRefreshTokenStmt)
	_, err := stmt.ExecContext(ctx, info.Token, info.Localpart, info.ServerName, info.DeviceID, info.FamilyID, info.CreatedTS, info.ExpiresTS)
	return err
}

func (s *refreshTokensStatements) SelectRefreshToken(ctx context.Context, txn *sql.Tx, token string) (*api.RefreshTokenInfo, error) {
	var info api.RefreshTokenInfo
	stmt := sqlutil.TxStmt(txn, s.selectRefreshTokenStmt)
	err := stmt.QueryRowContext(ctx, token).Scan(
		&info.Token, &info.Localpart, &info.ServerName, &info.DeviceID, &info.FamilyID,
		&info.CreatedTS, &info.ExpiresTS, &info.InvalidatedTS, &info.ConsumedTS,
	)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *refreshTokensStatements) ConsumeRefreshToken(ctx context.Context, txn *sql.Tx, token string, ts spec.Timestamp) error {
	stmt := sqlutil.TxStmt(txn, s.consumeRefreshTokenStmt)
	_, err := stmt.ExecContext(ctx, ts, token)
	return err
}

func (s *refreshTokensStatements) InvalidateRefreshTokenFamily(ctx context.Context, txn *sql.Tx, familyID string, ts spec.Timestamp) error {
	stmt := sqlutil.TxStmt(txn, s.invalidateRefreshTokenFamilyStmt)
	_, err := stmt.ExecContext(ctx, ts, familyID)
	return err
}

func (s *refreshTokensStatements) DeleteRefreshTokensForDevice(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRefreshForDeviceStmt)
	_, err := stmt.ExecContext(ctx, localpart, serverName, deviceID)
	return err
}

func (s *refreshTokensStatements) DeleteRefreshTokensForUser(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRefreshForUserStmt)
	_, err := stmt.ExecContext(ctx, localpart, serverName)
	return err
}

func scanTokens(rows *sql.Rows) ([]string, error) {
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
