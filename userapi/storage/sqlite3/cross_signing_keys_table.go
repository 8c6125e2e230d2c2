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

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const crossSigningKeysSchema = `
CREATE TABLE IF NOT EXISTS userapi_cross_signing_keys (
	user_id TEXT NOT NULL,
	purpose TEXT NOT NULL,
	key_json TEXT NOT NULL,
	PRIMARY KEY (user_id, purpose)
);
`

const upsertCrossSigningKeySQL = "" +
	"INSERT INTO userapi_cross_signing_keys (user_id, purpose, key_json)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT (user_id, purpose) DO UPDATE SET key_json = excluded.key_json"

const selectCrossSigningKeysForUserSQL = "" +
	"SELECT purpose, key_json FROM userapi_cross_signing_keys WHERE user_id = $1"

type crossSigningKeysStatements struct {
	db                                *sql.DB
	upsertCrossSigningKeyStmt         *sql.Stmt
	selectCrossSigningKeysForUserStmt *sql.Stmt
}

func CreateCrossSigningKeysTable(db *sql.DB) error {
	_, err := db.Exec(crossSigningKeysSchema)
	return err
}

func PrepareCrossSigningKeysTable(db *sql.DB) (tables.CrossSigningKeys, error) {
	s := &crossSigningKeysStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertCrossSigningKeyStmt, upsertCrossSigningKeySQL},
		{&s.selectCrossSigningKeysForUserStmt, selectCrossSigningKeysForUserSQL},
	}.Prepare(db)
}

func (s *crossSigningKeysStatements) UpsertCrossSigningKey(
	ctx context.Context, txn *sql.Tx, userID string, purpose api.CrossSigningKeyPurpose, keyJSON json.RawMessage,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertCrossSigningKeyStmt)
	_, err := stmt.ExecContext(ctx, userID, purpose, string(keyJSON))
	return err
}

func (s *crossSigningKeysStatements) SelectCrossSigningKeysForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) (api.CrossSigningKeyMap, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCrossSigningKeysForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCrossSigningKeysForUser: rows.close() failed")

	keys := api.CrossSigningKeyMap{}
	for rows.Next() {
		var purpose api.CrossSigningKeyPurpose
		var keyJSON string
		if err := rows.Scan(&purpose, &keyJSON); err != nil {
			return nil, err
		}
		keys[purpose] = json.RawMessage(keyJSON)
	}
	return keys, rows.Err()
}
