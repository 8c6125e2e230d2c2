// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage opens the room server's database and exposes the
// Event Store operations over whichever concrete tables
// back it. Only SQLite is implemented (DESIGN.md "Storage engine choice").
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage/sqlite3"
	"github.com/matrixhs/homeserver/roomserver/storage/tables"
	"github.com/matrixhs/homeserver/setup/config"
)

// Database is the room server's storage facade. Every write goes through
// writer so SQLite only ever sees one open write transaction at a time
// (internal/sqlutil.ExclusiveWriter).
type Database struct {
	db          *sql.DB
	writer      sqlutil.Writer
	events      tables.Events
	rooms       tables.Rooms
	memberships tables.Memberships
}

// Open opens a room server database per cfg and runs its schema creation.
func Open(cfg *config.Database) (*Database, error) {
	db, err := sqlutil.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("roomserver/storage.Open: %w", err)
	}

	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateEventsTable,
		sqlite3.CreateRoomsTable,
		sqlite3.CreateMembershipsTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("roomserver/storage.Open: %w", err)
		}
	}

	events, err := sqlite3.PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := sqlite3.PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := sqlite3.PrepareMembershipsTable(db)
	if err != nil {
		return nil, err
	}

	return &Database{
		db:          db,
		writer:      sqlutil.NewExclusiveWriter(),
		events:      events,
		rooms:       rooms,
		memberships: memberships,
	}, nil
}

// PersistEvent appends ev to the room DAG.
// Persistence never rejects an event outright; authorization verdict
// is recorded via ev.Rejected so the DAG stays intact even for events that
// don't contribute to resolved state. Callers must have already written a
// roomserver_rooms row via UpsertRoomInfo (room creation does this before
// persisting m.room.create) since forward-state tracking updates that row
// rather than inserting one.
func (d *Database) PersistEvent(ctx context.Context, ev *api.Event) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.events.InsertEvent(ctx, txn, ev); err != nil {
			return fmt.Errorf("PersistEvent: %w", err)
		}
		if ev.IsState() && !ev.Rejected {
			state, err := d.rooms.SelectForwardState(ctx, txn, ev.RoomID)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if state == nil {
				state = api.StateMap{}
			}
			state[api.StateKeyTuple{EventType: ev.EventType, StateKey: *ev.StateKey}] = ev.EventID
			if err := d.rooms.UpsertForwardState(ctx, txn, ev.RoomID, state); err != nil {
				return err
			}
			if ev.EventType == api.MRoomMember {
				if err := d.applyMembershipLocked(ctx, txn, ev); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (d *Database) applyMembershipLocked(ctx context.Context, txn *sql.Tx, ev *api.Event) error {
	var content api.MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("applyMembershipLocked: %w", err)
	}
	prior, err := d.memberships.SelectMembership(ctx, txn, ev.RoomID, *ev.StateKey)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	delta := 0
	wasJoined := prior != nil && prior.Membership == api.MembershipJoin
	isJoined := content.Membership == api.MembershipJoin
	switch {
	case isJoined && !wasJoined:
		delta = 1
	case !isJoined && wasJoined:
		delta = -1
	}
	if delta != 0 {
		if err := d.rooms.UpdateMemberCount(ctx, txn, ev.RoomID, delta); err != nil {
			return err
		}
	}
	return d.memberships.UpsertMembership(ctx, txn, &api.Membership{
		RoomID:      ev.RoomID,
		UserID:      *ev.StateKey,
		Membership:  content.Membership,
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
		Reason:      content.Reason,
		EventID:     ev.EventID,
	})
}

// GetTimeline returns up to limit events in roomID starting after
// fromStreamPos, in the requested direction.
func (d *Database) GetTimeline(ctx context.Context, roomID string, fromStreamPos int64, limit int, backwards bool) ([]*api.Event, error) {
	return d.events.SelectTimeline(ctx, roomID, fromStreamPos, 0, limit, backwards)
}

// GetState returns the room's current forward-extremity state.
func (d *Database) GetState(ctx context.Context, roomID string) (api.StateMap, error) {
	return d.rooms.SelectForwardState(ctx, nil, roomID)
}

// SetForwardState replaces the room's cached forward state wholesale,
// used after state resolution recomputes it across divergent tips.
func (d *Database) SetForwardState(ctx context.Context, roomID string, state api.StateMap) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.rooms.UpsertForwardState(ctx, txn, roomID, state)
	})
}

// GetEvent returns a single event by ID.
func (d *Database) GetEvent(ctx context.Context, eventID string) (*api.Event, error) {
	return d.events.SelectEvent(ctx, nil, eventID)
}

// GetEvents returns all of eventIDs that exist, silently skipping any that
// don't (used by auth-chain and prev_events resolution which routinely
// reference events not yet seen).
func (d *Database) GetEvents(ctx context.Context, eventIDs []string) ([]*api.Event, error) {
	return d.events.SelectEvents(ctx, nil, eventIDs)
}

// GetRoomInfo returns a room's metadata, or sql.ErrNoRows if unknown.
func (d *Database) GetRoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error) {
	return d.rooms.SelectRoomInfo(ctx, nil, roomID)
}

// UpsertRoomInfo writes a room's non-DAG metadata, called by on room
// creation and whenever a relevant state event resolves.
func (d *Database) UpsertRoomInfo(ctx context.Context, info *api.RoomInfo) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.rooms.UpsertRoomInfo(ctx, txn, info)
	})
}

// GetMembership returns userID's membership in roomID, or sql.ErrNoRows if
// they have never had one.
func (d *Database) GetMembership(ctx context.Context, roomID, userID string) (*api.Membership, error) {
	return d.memberships.SelectMembership(ctx, nil, roomID, userID)
}

// GetRoomMemberships returns every membership record for roomID.
func (d *Database) GetRoomMemberships(ctx context.Context, roomID string) ([]*api.Membership, error) {
	return d.memberships.SelectRoomMemberships(ctx, nil, roomID)
}

// GetUserRooms returns the room IDs where userID currently has membership.
func (d *Database) GetUserRooms(ctx context.Context, userID, membership string) ([]string, error) {
	return d.memberships.SelectUserRooms(ctx, nil, userID, membership)
}

// GetForwardExtremities returns roomID's current forward extremities: the
// events in its DAG that nothing else references as a prev_event, used as
// the prev_events of the next event sent into the room.
func (d *Database) GetForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	ids, err := d.events.SelectForwardExtremities(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMaxDepth returns the deepest depth value used so far in roomID, so the
// next event sent can be stamped depth+1.
func (d *Database) GetMaxDepth(ctx context.Context, roomID string) (int64, error) {
	return d.events.SelectMaxDepth(ctx, nil, roomID)
}

// Redact strips targetEventID's content down to the fields its room
// version's redaction algorithm preserves, recording redactionEventID as
// the cause.
func (d *Database) Redact(ctx context.Context, targetEventID, redactionEventID string, strippedContent []byte) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.events.MarkRedacted(ctx, txn, targetEventID, redactionEventID, strippedContent)
	})
}

// Purge deletes events older than beforeTS in roomID, preserving
// keepEventIDs (typically the room's current forward-extremity and state
// event IDs, so purge never orphans live state).
func (d *Database) Purge(ctx context.Context, roomID string, beforeTS spec.Timestamp, keepEventIDs map[string]bool) (int64, error) {
	return d.events.DeleteEventsBefore(ctx, roomID, beforeTS, keepEventIDs)
}
