// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
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
	"github.com/matrixhs/homeserver/syncapi/storage/tables"
)

const currentRoomStateSchema = `
CREATE TABLE IF NOT EXISTS syncapi_current_room_state (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_json TEXT NOT NULL,
	membership TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, type, state_key)
);

CREATE INDEX IF NOT EXISTS syncapi_current_room_state_membership_idx
	ON syncapi_current_room_state(type, state_key, membership);
`

const upsertCurrentStateSQL = "" +
	"INSERT INTO syncapi_current_room_state (room_id, type, state_key, event_id, event_json, membership)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, type, state_key) DO UPDATE SET" +
	" event_id = excluded.event_id, event_json = excluded.event_json, membership = excluded.membership"

const selectCurrentStateSQL = "" +
	"SELECT type, state_key, event_id, event_json FROM syncapi_current_room_state WHERE room_id = $1"

const selectRoomIDsWithMembershipSQL = "" +
	"SELECT room_id FROM syncapi_current_room_state" +
	" WHERE type = 'm.room.member' AND state_key = $1 AND membership = $2"

const selectJoinedUsersInRoomSQL = "" +
	"SELECT state_key FROM syncapi_current_room_state" +
	" WHERE room_id = $1 AND type = 'm.room.member' AND membership = 'join'"

const updateStateEventContentSQL = "" +
	"UPDATE syncapi_current_room_state SET event_json = $1 WHERE event_id = $2"

const selectStateEventJSONSQL = "" +
	"SELECT event_json FROM syncapi_current_room_state WHERE event_id = $1"

type currentRoomStateStatements struct {
	db                              *sql.DB
	upsertCurrentStateStmt          *sql.Stmt
	selectCurrentStateStmt          *sql.Stmt
	selectRoomIDsWithMembershipStmt *sql.Stmt
	selectJoinedUsersInRoomStmt     *sql.Stmt
	updateStateEventContentStmt     *sql.Stmt
	selectStateEventJSONStmt        *sql.Stmt
}

func CreateCurrentRoomStateTable(db *sql.DB) error {
	_, err := db.Exec(currentRoomStateSchema)
	return err
}

func PrepareCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	s := &currentRoomStateStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertCurrentStateStmt, upsertCurrentStateSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectRoomIDsWithMembershipStmt, selectRoomIDsWithMembershipSQL},
		{&s.selectJoinedUsersInRoomStmt, selectJoinedUsersInRoomSQL},
		{&s.updateStateEventContentStmt, updateStateEventContentSQL},
		{&s.selectStateEventJSONStmt, selectStateEventJSONSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertStateEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey, eventID string,
	eventJSON []byte, membership string,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertCurrentStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventType, stateKey, eventID, string(eventJSON), membership)
	return err
}

func (s *currentRoomStateStatements) SelectCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]tables.StreamEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCurrentStateStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")

	var events []tables.StreamEvent
	for rows.Next() {
		var ev tables.StreamEvent
		var stateKey, eventJSON string
		if err := rows.Scan(&ev.EventType, &stateKey, &ev.EventID, &eventJSON); err != nil {
			return nil, err
		}
		ev.RoomID = roomID
		ev.IsState = true
		ev.EventJSON = []byte(eventJSON)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *currentRoomStateStatements) SelectRoomIDsWithMembership(
	ctx context.Context, txn *sql.Tx, userID, membership string,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomIDsWithMembershipStmt)
	rows, err := stmt.QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDsWithMembership: rows.close() failed")

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *currentRoomStateStatements) SelectJoinedUsersInRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectJoinedUsersInRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsersInRoom: rows.close() failed")

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (s *currentRoomStateStatements) UpdateStateEventContent(
	ctx context.Context, txn *sql.Tx, eventID string, content json.RawMessage,
) error {
	var eventJSON string
	if err := sqlutil.TxStmt(txn, s.selectStateEventJSONStmt).QueryRowContext(ctx, eventID).Scan(&eventJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(eventJSON), &parsed); err != nil {
		return err
	}
	parsed["content"] = content
	updated, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateStateEventContentStmt).ExecContext(ctx, string(updated), eventID)
	return err
}
