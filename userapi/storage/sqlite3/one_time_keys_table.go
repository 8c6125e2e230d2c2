// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const oneTimeKeysSchema = `
CREATE TABLE IF NOT EXISTS userapi_one_time_keys (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	key_json TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id, algorithm, key_id)
);
`

const upsertOneTimeKeySQL = "" +
	"INSERT INTO userapi_one_time_keys (user_id, device_id, key_id, algorithm, key_json)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, device_id, algorithm, key_id) DO UPDATE SET key_json = excluded.key_json"

const countOneTimeKeysSQL = "" +
	"SELECT algorithm, COUNT(key_id) FROM userapi_one_time_keys" +
	" WHERE user_id = $1 AND device_id = $2 GROUP BY algorithm"

const selectOneTimeKeyForClaimSQL = "" +
	"SELECT key_id, key_json FROM userapi_one_time_keys" +
	" WHERE user_id = $1 AND device_id = $2 AND algorithm = $3 LIMIT 1"

const deleteClaimedKeySQL = "" +
	"DELETE FROM userapi_one_time_keys" +
	" WHERE user_id = $1 AND device_id = $2 AND algorithm = $3 AND key_id = $4"

const deleteOneTimeKeysSQL = "" +
	"DELETE FROM userapi_one_time_keys WHERE user_id = $1 AND device_id = $2"

type oneTimeKeysStatements struct {
	db                           *sql.DB
	upsertOneTimeKeyStmt         *sql.Stmt
	countOneTimeKeysStmt         *sql.Stmt
	selectOneTimeKeyForClaimStmt *sql.Stmt
	deleteClaimedKeyStmt         *sql.Stmt
	deleteOneTimeKeysStmt        *sql.Stmt
}

func CreateOneTimeKeysTable(db *sql.DB) error {
	_, err := db.Exec(oneTimeKeysSchema)
	return err
}

func PrepareOneTimeKeysTable(db *sql.DB) (tables.OneTimeKeys, error) {
	s := &oneTimeKeysStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertOneTimeKeyStmt, upsertOneTimeKeySQL},
		{&s.countOneTimeKeysStmt, countOneTimeKeysSQL},
		{&s.selectOneTimeKeyForClaimStmt, selectOneTimeKeyForClaimSQL},
		{&s.deleteClaimedKeyStmt, deleteClaimedKeySQL},
		{&s.deleteOneTimeKeysStmt, deleteOneTimeKeysSQL},
	}.Prepare(db)
}

func (s *oneTimeKeysStatements) InsertOneTimeKeys(ctx context.Context, txn *sql.Tx, keys api.OneTimeKeys) (*api.OneTimeKeysCount, error) {
	upsert := sqlutil.TxStmt(txn, s.upsertOneTimeKeyStmt)
	for keyIDWithAlgo, keyJSON := range keys.KeyJSON {
		algo, keyID := splitAlgoKeyID(keyIDWithAlgo)
		if algo == "" {
			continue
		}
		if _, err := upsert.ExecContext(ctx, keys.UserID, keys.DeviceID, keyID, algo, string(keyJSON)); err != nil {
			return nil, err
		}
	}
	return s.CountOneTimeKeys(ctx, txn, keys.UserID, keys.DeviceID)
}

func (s *oneTimeKeysStatements) CountOneTimeKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) (*api.OneTimeKeysCount, error) {
	counts := &api.OneTimeKeysCount{
		UserID:   userID,
		DeviceID: deviceID,
		KeyCount: map[string]int{},
	}
	stmt := sqlutil.TxStmt(txn, s.countOneTimeKeysStmt)
	rows, err := stmt.QueryContext(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "CountOneTimeKeys: rows.close() failed")
	for rows.Next() {
		var algorithm string
		var count int
		if err = rows.Scan(&algorithm, &count); err != nil {
			return nil, err
		}
		counts.KeyCount[algorithm] = count
	}
	return counts, rows.Err()
}

// SelectAndDeleteOneTimeKey claims one key: the select and delete run in
// the caller's transaction, so concurrent claims for the last key race on
// the row delete and exactly one wins.
func (s *oneTimeKeysStatements) SelectAndDeleteOneTimeKey(
	ctx context.Context, txn *sql.Tx, userID, deviceID, algorithm string,
) (map[string]json.RawMessage, error) {
	var keyID string
	var keyJSON string
	err := sqlutil.TxStmt(txn, s.selectOneTimeKeyForClaimStmt).
		QueryRowContext(ctx, userID, deviceID, algorithm).Scan(&keyID, &keyJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	res, err := sqlutil.TxStmt(txn, s.deleteClaimedKeyStmt).ExecContext(ctx, userID, deviceID, algorithm, keyID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another claimant deleted it between our select and delete.
		return nil, nil
	}
	return map[string]json.RawMessage{
		algorithm + ":" + keyID: json.RawMessage(keyJSON),
	}, nil
}

func (s *oneTimeKeysStatements) DeleteOneTimeKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteOneTimeKeysStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID)
	return err
}

func splitAlgoKeyID(keyIDWithAlgo string) (algorithm, keyID string) {
	parts := strings.SplitN(keyIDWithAlgo, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
