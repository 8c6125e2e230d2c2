// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the room server's storage interfaces,
// implemented concretely in storage/sqlite3 and wired together by
// roomserver/storage.Database.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/roomserver/api"
)

// Events is the event DAG table: one row per persisted PDU, keyed by its
// content-hash event_id.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *api.Event) error
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*api.Event, error)
	SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*api.Event, error)
	SelectTimeline(ctx context.Context, roomID string, fromStream, _ int64, limit int, backwards bool) ([]*api.Event, error)
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	SelectMaxDepth(ctx context.Context, txn *sql.Tx, roomID string) (int64, error)
	MarkRedacted(ctx context.Context, txn *sql.Tx, targetEventID, redactionEventID string, strippedContent []byte) error
	DeleteEventsBefore(ctx context.Context, roomID string, beforeTS spec.Timestamp, keepEventIDs map[string]bool) (int64, error)
}

// Rooms holds non-DAG room metadata.
type Rooms interface {
	UpsertRoomInfo(ctx context.Context, txn *sql.Tx, info *api.RoomInfo) error
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*api.RoomInfo, error)
	UpdateMemberCount(ctx context.Context, txn *sql.Tx, roomID string, delta int) error
	SelectForwardState(ctx context.Context, txn *sql.Tx, roomID string) (api.StateMap, error)
	UpsertForwardState(ctx context.Context, txn *sql.Tx, roomID string, state api.StateMap) error
}

// Memberships is the denormalized per-user membership table, kept in sync
// with the latest m.room.member state event.
type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, m *api.Membership) error
	SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (*api.Membership, error)
	SelectRoomMemberships(ctx context.Context, txn *sql.Tx, roomID string) ([]*api.Membership, error)
	SelectUserRooms(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error)
}
