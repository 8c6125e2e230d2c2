// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const deviceKeysSchema = `
CREATE TABLE IF NOT EXISTS userapi_device_keys (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	key_json TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
`

const upsertDeviceKeysSQL = "" +
	"INSERT INTO userapi_device_keys (user_id, device_id, display_name, key_json)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id, device_id) DO UPDATE SET" +
	" display_name = excluded.display_name, key_json = excluded.key_json"

const selectDeviceKeysSQL = "" +
	"SELECT display_name, key_json FROM userapi_device_keys WHERE user_id = $1 AND device_id = $2"

const selectBatchDeviceKeysSQL = "" +
	"SELECT device_id, display_name, key_json FROM userapi_device_keys WHERE user_id = $1"

const deleteDeviceKeysSQL = "" +
	"DELETE FROM userapi_device_keys WHERE user_id = $1 AND device_id = $2"

type deviceKeysStatements struct {
	db                        *sql.DB
	upsertDeviceKeysStmt      *sql.Stmt
	selectDeviceKeysStmt      *sql.Stmt
	selectBatchDeviceKeysStmt *sql.Stmt
	deleteDeviceKeysStmt      *sql.Stmt
}

func CreateDeviceKeysTable(db *sql.DB) error {
	_, err := db.Exec(deviceKeysSchema)
	return err
}

func PrepareDeviceKeysTable(db *sql.DB) (tables.DeviceKeys, error) {
	s := &deviceKeysStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertDeviceKeysStmt, upsertDeviceKeysSQL},
		{&s.selectDeviceKeysStmt, selectDeviceKeysSQL},
		{&s.selectBatchDeviceKeysStmt, selectBatchDeviceKeysSQL},
		{&s.deleteDeviceKeysStmt, deleteDeviceKeysSQL},
	}.Prepare(db)
}

func (s *deviceKeysStatements) UpsertDeviceKeys(ctx context.Context, txn *sql.Tx, keys []api.DeviceKeys) error {
	stmt := sqlutil.TxStmt(txn, s.upsertDeviceKeysStmt)
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key.UserID, key.DeviceID, key.DisplayName, string(key.KeyJSON)); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceKeysStatements) SelectDeviceKeysJSON(ctx context.Context, txn *sql.Tx, keys []api.DeviceKeys) error {
	stmt := sqlutil.TxStmt(txn, s.selectDeviceKeysStmt)
	for i := range keys {
		var displayName, keyJSON sql.NullString
		err := stmt.QueryRowContext(ctx, keys[i].UserID, keys[i].DeviceID).Scan(&displayName, &keyJSON)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		// A missing row leaves KeyJSON nil, which the query path interprets
		// as "unknown device".
		if keyJSON.Valid {
			keys[i].KeyJSON = []byte(keyJSON.String)
			keys[i].DisplayName = displayName.String
		}
	}
	return nil
}

func (s *deviceKeysStatements) SelectBatchDeviceKeys(ctx context.Context, txn *sql.Tx, userID string, deviceIDs []string) ([]api.DeviceKeys, error) {
	filter := map[string]bool{}
	for _, id := range deviceIDs {
		filter[id] = true
	}
	stmt := sqlutil.TxStmt(txn, s.selectBatchDeviceKeysStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectBatchDeviceKeys: rows.close() failed")

	var out []api.DeviceKeys
	for rows.Next() {
		var key api.DeviceKeys
		var keyJSON string
		if err := rows.Scan(&key.DeviceID, &key.DisplayName, &keyJSON); err != nil {
			return nil, err
		}
		if len(filter) > 0 && !filter[key.DeviceID] {
			continue
		}
		key.UserID = userID
		key.KeyJSON = []byte(keyJSON)
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *deviceKeysStatements) DeleteDeviceKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteDeviceKeysStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID)
	return err
}
