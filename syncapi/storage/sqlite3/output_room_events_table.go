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
	"github.com/matrixhs/homeserver/syncapi/types"
)

const outputRoomEventsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
	stream_id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_json TEXT NOT NULL,
	is_state BOOLEAN NOT NULL DEFAULT 0,
	sender TEXT NOT NULL,
	type TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_idx
	ON syncapi_output_room_events(room_id, stream_id);
`

const insertOutputEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (room_id, event_id, event_json, is_state, sender, type)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (event_id) DO NOTHING" +
	" RETURNING stream_id"

const selectEventsInRangeSQL = "" +
	"SELECT stream_id, event_id, event_json, is_state, sender, type" +
	" FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND stream_id > $2 AND stream_id <= $3" +
	" ORDER BY stream_id DESC LIMIT $4"

const selectMaxStreamIDSQL = "" +
	"SELECT COALESCE(MAX(stream_id), 0) FROM syncapi_output_room_events"

const updateEventContentSQL = "" +
	"UPDATE syncapi_output_room_events SET event_json = $1 WHERE event_id = $2"

const selectEventJSONSQL = "" +
	"SELECT event_json FROM syncapi_output_room_events WHERE event_id = $1"

type outputRoomEventsStatements struct {
	db                      *sql.DB
	insertOutputEventStmt   *sql.Stmt
	selectEventsInRangeStmt *sql.Stmt
	selectMaxStreamIDStmt   *sql.Stmt
	updateEventContentStmt  *sql.Stmt
	selectEventJSONStmt     *sql.Stmt
}

func CreateOutputRoomEventsTable(db *sql.DB) error {
	_, err := db.Exec(outputRoomEventsSchema)
	return err
}

func PrepareOutputRoomEventsTable(db *sql.DB) (tables.Events, error) {
	s := &outputRoomEventsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertOutputEventStmt, insertOutputEventSQL},
		{&s.selectEventsInRangeStmt, selectEventsInRangeSQL},
		{&s.selectMaxStreamIDStmt, selectMaxStreamIDSQL},
		{&s.updateEventContentStmt, updateEventContentSQL},
		{&s.selectEventJSONStmt, selectEventJSONSQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, eventJSON []byte,
	isState bool, sender, eventType string,
) (types.StreamPosition, error) {
	var pos types.StreamPosition
	stmt := sqlutil.TxStmt(txn, s.insertOutputEventStmt)
	err := stmt.QueryRowContext(ctx, roomID, eventID, string(eventJSON), isState, sender, eventType).Scan(&pos)
	if err == sql.ErrNoRows {
		// Conflict: the event is already in the stream (duplicate delivery
		// from the bus); nothing to assign.
		return 0, nil
	}
	return pos, err
}

func (s *outputRoomEventsStatements) SelectEventsInRange(
	ctx context.Context, txn *sql.Tx, roomID string, from, to types.StreamPosition, limit int,
) ([]tables.StreamEvent, bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventsInRangeStmt)
	rows, err := stmt.QueryContext(ctx, roomID, from, to, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventsInRange: rows.close() failed")

	var events []tables.StreamEvent
	for rows.Next() {
		var ev tables.StreamEvent
		var eventJSON string
		if err := rows.Scan(&ev.StreamPosition, &ev.EventID, &eventJSON, &ev.IsState, &ev.Sender, &ev.EventType); err != nil {
			return nil, false, err
		}
		ev.RoomID = roomID
		ev.EventJSON = []byte(eventJSON)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	limited := false
	if len(events) > limit {
		limited = true
		events = events[:limit]
	}
	// The query walked newest-first for the limit; the response wants
	// oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, limited, nil
}

func (s *outputRoomEventsStatements) SelectMaxStreamPosition(
	ctx context.Context, txn *sql.Tx,
) (types.StreamPosition, error) {
	var pos types.StreamPosition
	stmt := sqlutil.TxStmt(txn, s.selectMaxStreamIDStmt)
	err := stmt.QueryRowContext(ctx).Scan(&pos)
	return pos, err
}

func (s *outputRoomEventsStatements) UpdateEventContent(
	ctx context.Context, txn *sql.Tx, eventID string, content json.RawMessage,
) error {
	var eventJSON string
	if err := sqlutil.TxStmt(txn, s.selectEventJSONStmt).QueryRowContext(ctx, eventID).Scan(&eventJSON); err != nil {
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
	_, err = sqlutil.TxStmt(txn, s.updateEventContentStmt).ExecContext(ctx, string(updated), eventID)
	return err
}
