// Copyright 2024 New Vector Ltd.
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

const megolmSessionsSchema = `
CREATE TABLE IF NOT EXISTS userapi_megolm_sessions (
	session_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	first_seen_ts BIGINT NOT NULL,
	PRIMARY KEY (room_id, session_id)
);
`

const upsertMegolmSessionSQL = "" +
	"INSERT INTO userapi_megolm_sessions (session_id, room_id, sender_key, algorithm, first_seen_ts)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (room_id, session_id) DO NOTHING"

const selectMegolmSessionSQL = "" +
	"SELECT session_id, room_id, sender_key, algorithm, first_seen_ts" +
	" FROM userapi_megolm_sessions WHERE room_id = $1 AND session_id = $2"

const selectMegolmSessionsForRoomSQL = "" +
	"SELECT session_id, room_id, sender_key, algorithm, first_seen_ts" +
	" FROM userapi_megolm_sessions WHERE room_id = $1 ORDER BY first_seen_ts ASC"

type megolmSessionsStatements struct {
	db                              *sql.DB
	upsertMegolmSessionStmt         *sql.Stmt
	selectMegolmSessionStmt         *sql.Stmt
	selectMegolmSessionsForRoomStmt *sql.Stmt
}

func CreateMegolmSessionsTable(db *sql.DB) error {
	_, err := db.Exec(megolmSessionsSchema)
	return err
}

func PrepareMegolmSessionsTable(db *sql.DB) (tables.MegolmSessions, error) {
	s := &megolmSessionsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertMegolmSessionStmt, upsertMegolmSessionSQL},
		{&s.selectMegolmSessionStmt, selectMegolmSessionSQL},
		{&s.selectMegolmSessionsForRoomStmt, selectMegolmSessionsForRoomSQL},
	}.Prepare(db)
}

func (s *megolmSessionsStatements) UpsertMegolmSession(ctx context.Context, txn *sql.Tx, info *api.MegolmSessionInfo) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMegolmSessionStmt)
	_, err := stmt.ExecContext(ctx, info.SessionID, info.RoomID, info.SenderKey, info.Algorithm, info.FirstSeenTS)
	return err
}

func (s *megolmSessionsStatements) SelectMegolmSession(ctx context.Context, txn *sql.Tx, roomID, sessionID string) (*api.MegolmSessionInfo, error) {
	var info api.MegolmSessionInfo
	stmt := sqlutil.TxStmt(txn, s.selectMegolmSessionStmt)
	err := stmt.QueryRowContext(ctx, roomID, sessionID).Scan(
		&info.SessionID, &info.RoomID, &info.SenderKey, &info.Algorithm, &info.FirstSeenTS,
	)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *megolmSessionsStatements) SelectMegolmSessionsForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]*api.MegolmSessionInfo, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMegolmSessionsForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMegolmSessionsForRoom: rows.close() failed")

	var out []*api.MegolmSessionInfo
	for rows.Next() {
		var info api.MegolmSessionInfo
		if err := rows.Scan(&info.SessionID, &info.RoomID, &info.SenderKey, &info.Algorithm, &info.FirstSeenTS); err != nil {
			return nil, err
		}
		out = append(out, &info)
	}
	return out, rows.Err()
}
