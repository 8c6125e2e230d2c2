// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS userapi_accounts (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	password_hash TEXT,
	appservice_id TEXT,
	is_deactivated BOOLEAN DEFAULT 0,
	account_type INTEGER NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	generation BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (localpart, server_name)
);
`

const insertAccountSQL = "" +
	"INSERT INTO userapi_accounts(localpart, server_name, created_ts, password_hash, appservice_id, account_type) VALUES ($1, $2, $3, $4, $5, $6)"

const selectAccountByLocalpartSQL = "" +
	"SELECT localpart, server_name, appservice_id, account_type, display_name, avatar_url, created_ts, is_deactivated, generation" +
	" FROM userapi_accounts WHERE localpart = $1 AND server_name = $2"

const selectPasswordHashSQL = "" +
	"SELECT password_hash FROM userapi_accounts WHERE localpart = $1 AND server_name = $2 AND is_deactivated = 0"

const updatePasswordSQL = "" +
	"UPDATE userapi_accounts SET password_hash = $1, generation = generation + 1 WHERE localpart = $2 AND server_name = $3"

const deactivateAccountSQL = "" +
	"UPDATE userapi_accounts SET is_deactivated = 1, password_hash = '' WHERE localpart = $1 AND server_name = $2"

const updateProfileSQL = "" +
	"UPDATE userapi_accounts SET display_name = $1, avatar_url = $2 WHERE localpart = $3 AND server_name = $4"

type accountsStatements struct {
	db                           *sql.DB
	insertAccountStmt            *sql.Stmt
	selectAccountByLocalpartStmt *sql.Stmt
	selectPasswordHashStmt       *sql.Stmt
	updatePasswordStmt           *sql.Stmt
	deactivateAccountStmt        *sql.Stmt
	updateProfileStmt            *sql.Stmt
}

func CreateAccountsTable(db *sql.DB) error {
	_, err := db.Exec(accountsSchema)
	return err
}

func PrepareAccountsTable(db *sql.DB) (tables.Accounts, error) {
	s := &accountsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertAccountStmt, insertAccountSQL},
		{&s.selectAccountByLocalpartStmt, selectAccountByLocalpartSQL},
		{&s.selectPasswordHashStmt, selectPasswordHashSQL},
		{&s.updatePasswordStmt, updatePasswordSQL},
		{&s.deactivateAccountStmt, deactivateAccountSQL},
		{&s.updateProfileStmt, updateProfileSQL},
	}.Prepare(db)
}

func (s *accountsStatements) InsertAccount(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
	hash, appserviceID string, accountType api.AccountType, createdTS spec.Timestamp,
) (*api.Account, error) {
	stmt := sqlutil.TxStmt(txn, s.insertAccountStmt)
	_, err := stmt.ExecContext(ctx, localpart, serverName, createdTS, hash, appserviceID, accountType)
	if err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:       userIDFor(localpart, serverName),
		Localpart:    localpart,
		ServerName:   serverName,
		AppServiceID: appserviceID,
		AccountType:  accountType,
		CreatedTS:    createdTS,
	}, nil
}

func (s *accountsStatements) SelectAccountByLocalpart(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) (*api.Account, error) {
	var acc api.Account
	var appserviceID sql.NullString
	stmt := sqlutil.TxStmt(txn, s.selectAccountByLocalpartStmt)
	err := stmt.QueryRowContext(ctx, localpart, serverName).Scan(
		&acc.Localpart, &acc.ServerName, &appserviceID, &acc.AccountType,
		&acc.DisplayName, &acc.AvatarURL, &acc.CreatedTS, &acc.IsDeactivated, &acc.Generation,
	)
	if err != nil {
		return nil, err
	}
	if appserviceID.Valid {
		acc.AppServiceID = appserviceID.String
	}
	acc.UserID = userIDFor(acc.Localpart, acc.ServerName)
	return &acc, nil
}

func (s *accountsStatements) SelectPasswordHash(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) (string, error) {
	var hash sql.NullString
	stmt := sqlutil.TxStmt(txn, s.selectPasswordHashStmt)
	if err := stmt.QueryRowContext(ctx, localpart, serverName).Scan(&hash); err != nil {
		return "", err
	}
	return hash.String, nil
}

func (s *accountsStatements) UpdatePassword(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, hash string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updatePasswordStmt)
	_, err := stmt.ExecContext(ctx, hash, localpart, serverName)
	return err
}

func (s *accountsStatements) DeactivateAccount(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deactivateAccountStmt)
	_, err := stmt.ExecContext(ctx, localpart, serverName)
	return err
}

func (s *accountsStatements) UpdateProfile(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, displayName, avatarURL string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateProfileStmt)
	_, err := stmt.ExecContext(ctx, displayName, avatarURL, localpart, serverName)
	return err
}

func userIDFor(localpart string, serverName spec.ServerName) string {
	return "@" + localpart + ":" + string(serverName)
}
