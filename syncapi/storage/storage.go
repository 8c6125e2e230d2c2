// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage is the sync pipeline's own database: a stream-ordered
// copy of the timeline plus the current room state, populated by the
// JetStream consumers and read by the stream providers.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrixhs/homeserver/internal/sqlutil"
	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/syncapi/storage/sqlite3"
	"github.com/matrixhs/homeserver/syncapi/storage/tables"
	"github.com/matrixhs/homeserver/syncapi/types"
)

type Database struct {
	db           *sql.DB
	writer       sqlutil.Writer
	events       tables.Events
	currentState tables.CurrentRoomState
}

func Open(cfg *config.Database) (*Database, error) {
	db, err := sqlutil.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("syncapi/storage.Open: %w", err)
	}
	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateOutputRoomEventsTable,
		sqlite3.CreateCurrentRoomStateTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("syncapi/storage.Open: %w", err)
		}
	}
	d := &Database{db: db, writer: sqlutil.NewExclusiveWriter()}
	if d.events, err = sqlite3.PrepareOutputRoomEventsTable(db); err != nil {
		return nil, err
	}
	if d.currentState, err = sqlite3.PrepareCurrentRoomStateTable(db); err != nil {
		return nil, err
	}
	return d, nil
}

// WriteEvent stores one event from the room server's output stream and,
// for accepted state events, updates the current-state mirror. Returns the
// assigned stream position (0 for duplicate deliveries).
func (d *Database) WriteEvent(ctx context.Context, ev *rsapi.Event) (types.StreamPosition, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	var pos types.StreamPosition
	err = d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		pos, err = d.events.InsertEvent(ctx, txn, ev.RoomID, ev.EventID, eventJSON, ev.IsState(), ev.SenderUserID, ev.EventType)
		if err != nil {
			return err
		}
		if ev.IsState() && !ev.Rejected {
			membership := ""
			if ev.EventType == rsapi.MRoomMember {
				var content rsapi.MemberContent
				if json.Unmarshal(ev.Content, &content) == nil {
					membership = content.Membership
				}
			}
			return d.currentState.UpsertStateEvent(ctx, txn, ev.RoomID, ev.EventType, *ev.StateKey, ev.EventID, eventJSON, membership)
		}
		return nil
	})
	return pos, err
}

// RedactEvent replaces a stored event's content with its stripped form in
// both the timeline copy and the state mirror.
func (d *Database) RedactEvent(ctx context.Context, eventID string, strippedContent json.RawMessage) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.events.UpdateEventContent(ctx, txn, eventID, strippedContent); err != nil {
			return err
		}
		return d.currentState.UpdateStateEventContent(ctx, txn, eventID, strippedContent)
	})
}

// RecentEvents pages a room's timeline in (from, to], newest-capped at
// limit.
func (d *Database) RecentEvents(
	ctx context.Context, roomID string, from, to types.StreamPosition, limit int,
) ([]tables.StreamEvent, bool, error) {
	return d.events.SelectEventsInRange(ctx, nil, roomID, from, to, limit)
}

// MaxStreamPosition is the newest assigned position across all rooms, the
// PDU component of a fresh sync token.
func (d *Database) MaxStreamPosition(ctx context.Context) (types.StreamPosition, error) {
	return d.events.SelectMaxStreamPosition(ctx, nil)
}

// CurrentState returns the room's full current state, for initial syncs.
func (d *Database) CurrentState(ctx context.Context, roomID string) ([]tables.StreamEvent, error) {
	return d.currentState.SelectCurrentState(ctx, nil, roomID)
}

// RoomIDsWithMembership lists the rooms where the user currently has the
// given membership.
func (d *Database) RoomIDsWithMembership(ctx context.Context, userID, membership string) ([]string, error) {
	return d.currentState.SelectRoomIDsWithMembership(ctx, nil, userID, membership)
}

// JoinedUsersInRoom lists the room's joined members, used to target
// notifier wakes.
func (d *Database) JoinedUsersInRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.currentState.SelectJoinedUsersInRoom(ctx, nil, roomID)
}
