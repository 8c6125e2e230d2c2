// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the sync pipeline's storage interfaces: its own
// stream-ordered copy of the timeline and a current-state table, both fed
// from the room server's output stream.
package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixhs/homeserver/syncapi/types"
)

// StreamEvent is one timeline entry with its sync stream position.
type StreamEvent struct {
	StreamPosition types.StreamPosition
	RoomID         string
	EventID        string
	EventJSON      []byte
	IsState        bool
	Sender         string
	EventType      string
}

// Events is the stream-ordered event log; positions are assigned at
// insert, giving the total per-room order sync tokens page over.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomID, eventID string, eventJSON []byte, isState bool, sender, eventType string) (types.StreamPosition, error)
	// SelectEventsInRange returns events in (from, to] for a room, oldest
	// first, capped at limit from the newest end; limited reports whether
	// older events were dropped to honor the cap.
	SelectEventsInRange(ctx context.Context, txn *sql.Tx, roomID string, from, to types.StreamPosition, limit int) (events []StreamEvent, limited bool, err error)
	SelectMaxStreamPosition(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)
	// UpdateEventContent rewrites a stored event's content after a
	// redaction so the original never leaves storage again.
	UpdateEventContent(ctx context.Context, txn *sql.Tx, eventID string, content json.RawMessage) error
}

// CurrentRoomState mirrors each room's resolved current state for cheap
// initial syncs and membership lookups.
type CurrentRoomState interface {
	UpsertStateEvent(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey, eventID string, eventJSON []byte, membership string) error
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string) ([]StreamEvent, error)
	// SelectRoomIDsWithMembership returns the rooms where userID's current
	// membership (per m.room.member state) matches membership.
	SelectRoomIDsWithMembership(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error)
	SelectJoinedUsersInRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	UpdateStateEventContent(ctx context.Context, txn *sql.Tx, eventID string, content json.RawMessage) error
}
