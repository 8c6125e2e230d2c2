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
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage/tables"
)

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_roomserver_memberships_user
	ON roomserver_memberships(user_id, membership);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_memberships (room_id, user_id, membership, display_name, avatar_url, reason, event_id)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET" +
	" membership = excluded.membership, display_name = excluded.display_name," +
	" avatar_url = excluded.avatar_url, reason = excluded.reason, event_id = excluded.event_id"

const selectMembershipSQL = "" +
	"SELECT room_id, user_id, membership, display_name, avatar_url, reason, event_id" +
	" FROM roomserver_memberships WHERE room_id = $1 AND user_id = $2"

const selectRoomMembershipsSQL = "" +
	"SELECT room_id, user_id, membership, display_name, avatar_url, reason, event_id" +
	" FROM roomserver_memberships WHERE room_id = $1"

const selectUserRoomsSQL = "" +
	"SELECT room_id FROM roomserver_memberships WHERE user_id = $1 AND membership = $2"

type membershipStatements struct {
	db                        *sql.DB
	upsertMembershipStmt      *sql.Stmt
	selectMembershipStmt      *sql.Stmt
	selectRoomMembershipsStmt *sql.Stmt
	selectUserRoomsStmt       *sql.Stmt
}

func CreateMembershipsTable(db *sql.DB) error {
	_, err := db.Exec(membershipsSchema)
	return err
}

func PrepareMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectRoomMembershipsStmt, selectRoomMembershipsSQL},
		{&s.selectUserRoomsStmt, selectUserRoomsSQL},
	}.Prepare(db)
}

func (s *membershipStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, m *api.Membership) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMembershipStmt)
	_, err := stmt.ExecContext(ctx, m.RoomID, m.UserID, m.Membership, m.DisplayName, m.AvatarURL, m.Reason, m.EventID)
	return err
}

func (s *membershipStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (*api.Membership, error) {
	var m api.Membership
	stmt := sqlutil.TxStmt(txn, s.selectMembershipStmt)
	err := stmt.QueryRowContext(ctx, roomID, userID).Scan(
		&m.RoomID, &m.UserID, &m.Membership, &m.DisplayName, &m.AvatarURL, &m.Reason, &m.EventID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *membershipStatements) SelectRoomMemberships(ctx context.Context, txn *sql.Tx, roomID string) ([]*api.Membership, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomMembershipsStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomMemberships: rows.close() failed")

	var out []*api.Membership
	for rows.Next() {
		var m api.Membership
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Membership, &m.DisplayName, &m.AvatarURL, &m.Reason, &m.EventID); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *membershipStatements) SelectUserRooms(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectUserRoomsStmt)
	rows, err := stmt.QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUserRooms: rows.close() failed")

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
