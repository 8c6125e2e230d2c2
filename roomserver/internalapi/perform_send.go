// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/roomserver/api"
)

// PerformSendMessage appends a message event to the room's timeline
// and returns its event ID.
func (r *RoomserverInternalAPI) PerformSendMessage(
	ctx context.Context, roomID, senderID, eventType string, content json.RawMessage,
) (eventID string, err error) {
	err = r.Locks.WithLock(roomID, func() error {
		ev, err := r.buildEvent(ctx, roomID, senderID, eventType, nil, content, "")
		if err != nil {
			return err
		}
		if err := r.inputLocalEventLocked(ctx, ev); err != nil {
			return err
		}
		eventID = ev.EventID
		return nil
	})
	return eventID, err
}

// PerformSetState writes a state event.
func (r *RoomserverInternalAPI) PerformSetState(
	ctx context.Context, roomID, senderID, eventType, stateKey string, content json.RawMessage,
) (eventID string, err error) {
	err = r.Locks.WithLock(roomID, func() error {
		key := stateKey
		ev, err := r.buildEvent(ctx, roomID, senderID, eventType, &key, content, "")
		if err != nil {
			return err
		}
		if err := r.inputLocalEventLocked(ctx, ev); err != nil {
			return err
		}
		eventID = ev.EventID
		return nil
	})
	return eventID, err
}

// PerformRedact sends an m.room.redaction targeting targetEventID.
// The sender must be the original sender or
// hold redact power.
func (r *RoomserverInternalAPI) PerformRedact(
	ctx context.Context, roomID, senderID, targetEventID, reason string,
) (eventID string, err error) {
	target, err := r.DB.GetEvent(ctx, targetEventID)
	if err == sql.ErrNoRows || target == nil {
		return "", apierrors.NotFound("Unknown event")
	}
	if err != nil {
		return "", err
	}
	if target.RoomID != roomID {
		return "", apierrors.NotFound("Event is not in this room")
	}
	if target.SenderUserID != senderID {
		st, err := r.CurrentState(ctx, roomID)
		if err != nil {
			return "", err
		}
		if !r.senderHasRedactPower(ctx, st, senderID) {
			return "", apierrors.Forbidden("You don't have permission to redact this event")
		}
	}

	content := map[string]string{}
	if reason != "" {
		content["reason"] = reason
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	err = r.Locks.WithLock(roomID, func() error {
		ev, err := r.buildEvent(ctx, roomID, senderID, api.MRoomRedaction, nil, raw, targetEventID)
		if err != nil {
			return err
		}
		if err := r.inputLocalEventLocked(ctx, ev); err != nil {
			return err
		}
		eventID = ev.EventID
		return nil
	})
	return eventID, err
}

func (r *RoomserverInternalAPI) senderHasRedactPower(ctx context.Context, st api.StateMap, senderID string) bool {
	levels := api.PowerLevelsContent{Ban: 50, Kick: 50, Redact: 50, StateDefault: 50}
	if eventID, ok := st[api.StateKeyTuple{EventType: api.MRoomPowerLevels, StateKey: ""}]; ok {
		if ev, err := r.DB.GetEvent(ctx, eventID); err == nil && ev != nil {
			_ = json.Unmarshal(ev.Content, &levels)
		}
	}
	return levels.UserLevel(senderID) >= levels.Redact
}

// QueryTimeline pages the room's timeline for the sync pipeline and
// /messages.
func (r *RoomserverInternalAPI) QueryTimeline(
	ctx context.Context, roomID string, fromStreamPos int64, limit int, backwards bool,
) ([]*api.Event, error) {
	return r.DB.GetTimeline(ctx, roomID, fromStreamPos, limit, backwards)
}

// QueryMembership returns a user's current membership in a room.
func (r *RoomserverInternalAPI) QueryMembership(ctx context.Context, roomID, userID string) (*api.Membership, error) {
	m, err := r.DB.GetMembership(ctx, roomID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// QueryRoomsForUser lists the rooms where the user has the given
// membership, driving the sync response's room sections.
func (r *RoomserverInternalAPI) QueryRoomsForUser(ctx context.Context, userID, membership string) ([]string, error) {
	return r.DB.GetUserRooms(ctx, userID, membership)
}
