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

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const toDeviceSchema = `
CREATE TABLE IF NOT EXISTS userapi_to_device_messages (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	message_type TEXT NOT NULL,
	content TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_userapi_to_device_user
	ON userapi_to_device_messages(user_id, device_id, position);
`

const insertToDeviceMessageSQL = "" +
	"INSERT INTO userapi_to_device_messages (user_id, device_id, sender, message_type, content)" +
	" VALUES ($1, $2, $3, $4, $5) RETURNING position"

const selectToDeviceMessagesSQL = "" +
	"SELECT position, sender, message_type, content FROM userapi_to_device_messages" +
	" WHERE user_id = $1 AND device_id = $2 AND position > $3 AND ($4 = 0 OR position <= $4)" +
	" ORDER BY position ASC"

const deleteToDeviceMessagesSQL = "" +
	"DELETE FROM userapi_to_device_messages WHERE user_id = $1 AND device_id = $2 AND position <= $3"

const selectMaxToDevicePositionSQL = "" +
	"SELECT COALESCE(MAX(position), 0) FROM userapi_to_device_messages WHERE user_id = $1 AND device_id = $2"

type toDeviceStatements struct {
	db                            *sql.DB
	insertToDeviceMessageStmt     *sql.Stmt
	selectToDeviceMessagesStmt    *sql.Stmt
	deleteToDeviceMessagesStmt    *sql.Stmt
	selectMaxToDevicePositionStmt *sql.Stmt
}

func CreateToDeviceTable(db *sql.DB) error {
	_, err := db.Exec(toDeviceSchema)
	return err
}

func PrepareToDeviceTable(db *sql.DB) (tables.ToDevice, error) {
	s := &toDeviceStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertToDeviceMessageStmt, insertToDeviceMessageSQL},
		{&s.selectToDeviceMessagesStmt, selectToDeviceMessagesSQL},
		{&s.deleteToDeviceMessagesStmt, deleteToDeviceMessagesSQL},
		{&s.selectMaxToDevicePositionStmt, selectMaxToDevicePositionSQL},
	}.Prepare(db)
}

func (s *toDeviceStatements) InsertToDeviceMessage(
	ctx context.Context, txn *sql.Tx, userID, deviceID, sender, messageType string, content json.RawMessage,
) (int64, error) {
	var pos int64
	stmt := sqlutil.TxStmt(txn, s.insertToDeviceMessageStmt)
	err := stmt.QueryRowContext(ctx, userID, deviceID, sender, messageType, string(content)).Scan(&pos)
	return pos, err
}

func (s *toDeviceStatements) SelectToDeviceMessages(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, fromPos, toPos int64,
) ([]api.ToDeviceEvent, int64, error) {
	stmt := sqlutil.TxStmt(txn, s.selectToDeviceMessagesStmt)
	rows, err := stmt.QueryContext(ctx, userID, deviceID, fromPos, toPos)
	if err != nil {
		return nil, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectToDeviceMessages: rows.close() failed")

	lastPos := fromPos
	var events []api.ToDeviceEvent
	for rows.Next() {
		var pos int64
		var ev api.ToDeviceEvent
		var content string
		if err := rows.Scan(&pos, &ev.Sender, &ev.Type, &content); err != nil {
			return nil, 0, err
		}
		ev.Content = json.RawMessage(content)
		events = append(events, ev)
		if pos > lastPos {
			lastPos = pos
		}
	}
	return events, lastPos, rows.Err()
}

func (s *toDeviceStatements) DeleteToDeviceMessages(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, upToPos int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteToDeviceMessagesStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID, upToPos)
	return err
}

func (s *toDeviceStatements) SelectMaxToDevicePosition(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) (int64, error) {
	var pos int64
	stmt := sqlutil.TxStmt(txn, s.selectMaxToDevicePositionStmt)
	err := stmt.QueryRowContext(ctx, userID, deviceID).Scan(&pos)
	return pos, err
}
