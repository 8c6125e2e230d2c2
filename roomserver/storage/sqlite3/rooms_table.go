// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage/tables"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_id TEXT PRIMARY KEY,
	creator_user_id TEXT NOT NULL,
	room_version TEXT NOT NULL,
	join_rule TEXT NOT NULL DEFAULT 'invite',
	history_visibility TEXT NOT NULL DEFAULT 'shared',
	is_public BOOLEAN NOT NULL DEFAULT FALSE,
	member_count INTEGER NOT NULL DEFAULT 0,
	canonical_alias TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	encryption TEXT NOT NULL DEFAULT '',
	creation_ts INTEGER NOT NULL DEFAULT 0,
	forward_state TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_roomserver_rooms_public ON roomserver_rooms(is_public);
`

const upsertRoomInfoSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, creator_user_id, room_version, join_rule, history_visibility," +
	" is_public, member_count, canonical_alias, name, topic, encryption, creation_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)" +
	" ON CONFLICT (room_id) DO UPDATE SET" +
	" join_rule = excluded.join_rule, history_visibility = excluded.history_visibility," +
	" is_public = excluded.is_public, member_count = excluded.member_count," +
	" canonical_alias = excluded.canonical_alias, name = excluded.name, topic = excluded.topic," +
	" encryption = excluded.encryption"

const selectRoomInfoSQL = "" +
	"SELECT room_id, creator_user_id, room_version, join_rule, history_visibility, is_public," +
	" member_count, canonical_alias, name, topic, encryption, creation_ts" +
	" FROM roomserver_rooms WHERE room_id = $1"

const updateMemberCountSQL = "" +
	"UPDATE roomserver_rooms SET member_count = member_count + $1 WHERE room_id = $2"

const selectForwardStateSQL = "SELECT forward_state FROM roomserver_rooms WHERE room_id = $1"

const upsertForwardStateSQL = "" +
	"UPDATE roomserver_rooms SET forward_state = $1 WHERE room_id = $2"

type roomStatements struct {
	db                     *sql.DB
	upsertRoomInfoStmt     *sql.Stmt
	selectRoomInfoStmt     *sql.Stmt
	updateMemberCountStmt  *sql.Stmt
	selectForwardStateStmt *sql.Stmt
	upsertForwardStateStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertRoomInfoStmt, upsertRoomInfoSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.updateMemberCountStmt, updateMemberCountSQL},
		{&s.selectForwardStateStmt, selectForwardStateSQL},
		{&s.upsertForwardStateStmt, upsertForwardStateSQL},
	}.Prepare(db)
}

func (s *roomStatements) UpsertRoomInfo(ctx context.Context, txn *sql.Tx, info *api.RoomInfo) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRoomInfoStmt)
	_, err := stmt.ExecContext(ctx,
		info.RoomID, info.CreatorUserID, info.RoomVersion, info.JoinRule, info.HistoryVisibility,
		info.IsPublic, info.MemberCount, info.CanonicalAlias, info.Name, info.Topic, info.Encryption,
		int64(info.CreationTS),
	)
	return err
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*api.RoomInfo, error) {
	var info api.RoomInfo
	var ts int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(
		&info.RoomID, &info.CreatorUserID, &info.RoomVersion, &info.JoinRule, &info.HistoryVisibility,
		&info.IsPublic, &info.MemberCount, &info.CanonicalAlias, &info.Name, &info.Topic, &info.Encryption, &ts,
	)
	if err != nil {
		return nil, err
	}
	info.CreationTS = spec.Timestamp(ts)
	return &info, nil
}

func (s *roomStatements) UpdateMemberCount(ctx context.Context, txn *sql.Tx, roomID string, delta int) error {
	stmt := sqlutil.TxStmt(txn, s.updateMemberCountStmt)
	_, err := stmt.ExecContext(ctx, delta, roomID)
	return err
}

func (s *roomStatements) SelectForwardState(ctx context.Context, txn *sql.Tx, roomID string) (api.StateMap, error) {
	var raw string
	stmt := sqlutil.TxStmt(txn, s.selectForwardStateStmt)
	if err := stmt.QueryRowContext(ctx, roomID).Scan(&raw); err != nil {
		return nil, err
	}
	var entries []stateMapEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	state := make(api.StateMap, len(entries))
	for _, e := range entries {
		state[api.StateKeyTuple{EventType: e.EventType, StateKey: e.StateKey}] = e.EventID
	}
	return state, nil
}

func (s *roomStatements) UpsertForwardState(ctx context.Context, txn *sql.Tx, roomID string, state api.StateMap) error {
	entries := make([]stateMapEntry, 0, len(state))
	for tuple, eventID := range state {
		entries = append(entries, stateMapEntry{tuple.EventType, tuple.StateKey, eventID})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.upsertForwardStateStmt)
	_, err = stmt.ExecContext(ctx, string(raw), roomID)
	return err
}

// stateMapEntry is StateMap's wire form; StateKeyTuple can't be a JSON map
// key directly since it's a struct, not a string.
type stateMapEntry struct {
	EventType string `json:"event_type"`
	StateKey  string `json:"state_key"`
	EventID   string `json:"event_id"`
}
