// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"math"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const keyChangesSchema = `
CREATE TABLE IF NOT EXISTS userapi_key_changes (
	change_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	UNIQUE (user_id)
);
`

// InsertKeyChange runs deleteKeyChangeSQL then insertKeyChangeSQL so the user's row always takes
// the newest change_id; a user appears at most once in the stream, at their
// most recent change.
const deleteKeyChangeSQL = "" +
	"DELETE FROM userapi_key_changes WHERE user_id = $1"

const insertKeyChangeSQL = "" +
	"INSERT INTO userapi_key_changes (user_id) VALUES ($1) RETURNING change_id"

const selectKeyChangesSQL = "" +
	"SELECT user_id, change_id FROM userapi_key_changes WHERE change_id > $1 AND change_id <= $2"

type keyChangesStatements struct {
	db                   *sql.DB
	deleteKeyChangeStmt  *sql.Stmt
	insertKeyChangeStmt  *sql.Stmt
	selectKeyChangesStmt *sql.Stmt
}

func CreateKeyChangesTable(db *sql.DB) error {
	_, err := db.Exec(keyChangesSchema)
	return err
}

func PrepareKeyChangesTable(db *sql.DB) (tables.KeyChanges, error) {
	s := &keyChangesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.deleteKeyChangeStmt, deleteKeyChangeSQL},
		{&s.insertKeyChangeStmt, insertKeyChangeSQL},
		{&s.selectKeyChangesStmt, selectKeyChangesSQL},
	}.Prepare(db)
}

func (s *keyChangesStatements) InsertKeyChange(ctx context.Context, userID string) (int64, error) {
	var changeID int64
	err := sqlutil.WithTransaction(s.db, func(txn *sql.Tx) error {
		if _, err := sqlutil.TxStmt(txn, s.deleteKeyChangeStmt).ExecContext(ctx, userID); err != nil {
			return err
		}
		return sqlutil.TxStmt(txn, s.insertKeyChangeStmt).QueryRowContext(ctx, userID).Scan(&changeID)
	})
	return changeID, err
}

func (s *keyChangesStatements) SelectKeyChanges(
	ctx context.Context, fromOffset, toOffset int64,
) (userIDs []string, latestOffset int64, err error) {
	if toOffset == 0 {
		toOffset = math.MaxInt64
	}
	latestOffset = fromOffset
	rows, err := s.selectKeyChangesStmt.QueryContext(ctx, fromOffset, toOffset)
	if err != nil {
		return nil, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectKeyChanges: rows.close() failed")
	for rows.Next() {
		var userID string
		var offset int64
		if err = rows.Scan(&userID, &offset); err != nil {
			return nil, 0, err
		}
		if offset > latestOffset {
			latestOffset = offset
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, latestOffset, rows.Err()
}
