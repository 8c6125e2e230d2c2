// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage/tables"
)

// Events is keyed by event_id directly rather than the teacher's interned
// EventNID (DESIGN.md "roomserver/storage: simplified to string keys"):
// this repository's scale doesn't need the extra indirection, and it keeps
// every table readable without a join back to an events index.
const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
	event_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	event_type TEXT NOT NULL,
	state_key TEXT,
	content TEXT NOT NULL,
	prev_event_ids TEXT NOT NULL,
	auth_event_ids TEXT NOT NULL,
	depth INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	processed_ts INTEGER NOT NULL DEFAULT 0,
	redacts TEXT NOT NULL DEFAULT '',
	signatures TEXT NOT NULL DEFAULT '{}',
	hashes TEXT NOT NULL DEFAULT '{}',
	unsigned TEXT NOT NULL DEFAULT '{}',
	rejected BOOLEAN NOT NULL DEFAULT FALSE,
	redacted_because TEXT NOT NULL DEFAULT '',
	stream_pos INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_depth
	ON roomserver_events(room_id, depth);
CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_stream
	ON roomserver_events(room_id, stream_pos);
CREATE INDEX IF NOT EXISTS idx_roomserver_events_state_key
	ON roomserver_events(room_id, event_type, state_key);

CREATE TABLE IF NOT EXISTS roomserver_event_stream_seq (
	room_id TEXT PRIMARY KEY,
	next_pos INTEGER NOT NULL DEFAULT 1
);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, sender, event_type, state_key, content," +
	" prev_event_ids, auth_event_ids, depth, origin_server_ts, processed_ts, redacts, signatures, hashes, unsigned, rejected, stream_pos)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventSQL = "" +
	"SELECT event_id, room_id, sender, event_type, state_key, content, prev_event_ids, auth_event_ids," +
	" depth, origin_server_ts, processed_ts, redacts, signatures, hashes, unsigned, rejected, redacted_because" +
	" FROM roomserver_events WHERE event_id = $1"

const selectForwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_events e WHERE room_id = $1 AND NOT EXISTS (" +
	" SELECT 1 FROM roomserver_events child WHERE child.room_id = $1 AND child.prev_event_ids LIKE '%' || e.event_id || '%')"

const selectMaxDepthSQL = "" +
	"SELECT COALESCE(MAX(depth), 0) FROM roomserver_events WHERE room_id = $1"

const updateRedactedSQL = "" +
	"UPDATE roomserver_events SET redacted_because = $1, content = $2 WHERE event_id = $3"

const selectTimelineForwardSQL = "" +
	"SELECT event_id, room_id, sender, event_type, state_key, content, prev_event_ids, auth_event_ids," +
	" depth, origin_server_ts, processed_ts, redacts, signatures, hashes, unsigned, rejected, redacted_because" +
	" FROM roomserver_events WHERE room_id = $1 AND stream_pos > $2 ORDER BY stream_pos ASC LIMIT $3"

const selectTimelineBackwardSQL = "" +
	"SELECT event_id, room_id, sender, event_type, state_key, content, prev_event_ids, auth_event_ids," +
	" depth, origin_server_ts, processed_ts, redacts, signatures, hashes, unsigned, rejected, redacted_because" +
	" FROM roomserver_events WHERE room_id = $1 AND stream_pos < $2 ORDER BY stream_pos DESC LIMIT $3"

const upsertStreamSeqSQL = "" +
	"INSERT INTO roomserver_event_stream_seq (room_id, next_pos) VALUES ($1, 2)" +
	" ON CONFLICT (room_id) DO UPDATE SET next_pos = roomserver_event_stream_seq.next_pos + 1" +
	" RETURNING next_pos - 1"

const deleteEventsBeforeSQL = "" +
	"DELETE FROM roomserver_events WHERE room_id = $1 AND origin_server_ts < $2 AND event_id NOT IN (%s)"

type eventStatements struct {
	db                           *sql.DB
	insertEventStmt              *sql.Stmt
	selectEventStmt              *sql.Stmt
	selectForwardExtremitiesStmt *sql.Stmt
	selectMaxDepthStmt           *sql.Stmt
	updateRedactedStmt           *sql.Stmt
	selectTimelineForwardStmt    *sql.Stmt
	selectTimelineBackwardStmt   *sql.Stmt
	upsertStreamSeqStmt          *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
		{&s.selectMaxDepthStmt, selectMaxDepthSQL},
		{&s.updateRedactedStmt, updateRedactedSQL},
		{&s.selectTimelineForwardStmt, selectTimelineForwardSQL},
		{&s.selectTimelineBackwardStmt, selectTimelineBackwardSQL},
		{&s.upsertStreamSeqStmt, upsertStreamSeqSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(ctx context.Context, txn *sql.Tx, ev *api.Event) error {
	prevJSON, err := json.Marshal(ev.PrevEventIDs)
	if err != nil {
		return err
	}
	authJSON, err := json.Marshal(ev.AuthEventIDs)
	if err != nil {
		return err
	}
	var stateKey interface{}
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}
	streamPos, err := s.nextStreamPositionForRoom(ctx, txn, ev.RoomID)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	_, err = stmt.ExecContext(ctx,
		ev.EventID, ev.RoomID, ev.SenderUserID, ev.EventType, stateKey, string(ev.Content),
		string(prevJSON), string(authJSON), ev.Depth, int64(ev.OriginServerTS), int64(ev.ProcessedTS),
		ev.Redacts, nullToEmptyJSON(ev.Signatures), nullToEmptyJSON(ev.Hashes), nullToEmptyJSON(ev.Unsigned),
		ev.Rejected, streamPos,
	)
	return err
}

func nullToEmptyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (s *eventStatements) nextStreamPositionForRoom(ctx context.Context, txn *sql.Tx, roomID string) (int64, error) {
	var pos int64
	stmt := sqlutil.TxStmt(txn, s.upsertStreamSeqStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&pos)
	return pos, err
}

func (s *eventStatements) SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*api.Event, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	return scanEvent(stmt.QueryRowContext(ctx, eventID))
}

func (s *eventStatements) SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*api.Event, error) {
	events := make([]*api.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := s.SelectEvent(ctx, txn, id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *eventStatements) SelectTimeline(ctx context.Context, roomID string, fromPos int64, _ int64, limit int, backwards bool) ([]*api.Event, error) {
	stmt := s.selectTimelineForwardStmt
	if backwards {
		stmt = s.selectTimelineBackwardStmt
	}
	rows, err := stmt.QueryContext(ctx, roomID, fromPos, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectTimeline: rows.close() failed")

	var events []*api.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *eventStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectForwardExtremities: rows.close() failed")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *eventStatements) SelectMaxDepth(ctx context.Context, txn *sql.Tx, roomID string) (int64, error) {
	var depth int64
	stmt := sqlutil.TxStmt(txn, s.selectMaxDepthStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&depth)
	return depth, err
}

func (s *eventStatements) MarkRedacted(ctx context.Context, txn *sql.Tx, targetEventID, redactionEventID string, strippedContent []byte) error {
	stmt := sqlutil.TxStmt(txn, s.updateRedactedStmt)
	_, err := stmt.ExecContext(ctx, redactionEventID, string(strippedContent), targetEventID)
	return err
}

func (s *eventStatements) DeleteEventsBefore(ctx context.Context, roomID string, beforeTS spec.Timestamp, keepEventIDs map[string]bool) (int64, error) {
	if len(keepEventIDs) == 0 {
		keepEventIDs = map[string]bool{"": true}
	}
	placeholders := make([]string, 0, len(keepEventIDs))
	args := make([]interface{}, 0, len(keepEventIDs)+2)
	args = append(args, roomID, int64(beforeTS))
	i := 3
	for id := range keepEventIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, id)
		i++
	}
	query := fmt.Sprintf(deleteEventsBeforeSQL, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row *sql.Row) (*api.Event, error) {
	return scanEventRow(row)
}

func scanEventRow(row rowScanner) (*api.Event, error) {
	var ev api.Event
	var stateKey sql.NullString
	var content, prevJSON, authJSON, signatures, hashes, unsigned, redactedBecause string
	var ts, processedTS int64
	if err := row.Scan(
		&ev.EventID, &ev.RoomID, &ev.SenderUserID, &ev.EventType, &stateKey, &content,
		&prevJSON, &authJSON, &ev.Depth, &ts, &processedTS, &ev.Redacts, &signatures, &hashes, &unsigned,
		&ev.Rejected, &redactedBecause,
	); err != nil {
		return nil, err
	}
	ev.ProcessedTS = spec.Timestamp(processedTS)
	if stateKey.Valid {
		ev.StateKey = &stateKey.String
	}
	ev.Content = json.RawMessage(content)
	ev.Signatures = json.RawMessage(signatures)
	ev.Hashes = json.RawMessage(hashes)
	ev.Unsigned = json.RawMessage(unsigned)
	ev.OriginServerTS = spec.Timestamp(ts)
	ev.RedactedBecause = redactedBecause
	if err := json.Unmarshal([]byte(prevJSON), &ev.PrevEventIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authJSON), &ev.AuthEventIDs); err != nil {
		return nil, err
	}
	return &ev, nil
}
