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
	"fmt"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/roomserver/api"
)

// PerformJoin makes userID a member of roomID.
// Authorization (public room, pending invite, restricted rule) is enforced
// when the event goes through the input path.
func (r *RoomserverInternalAPI) PerformJoin(ctx context.Context, roomID, userID string) error {
	return r.performMembership(ctx, roomID, userID, userID, api.MemberContent{
		Membership: api.MembershipJoin,
	})
}

// PerformLeave removes userID from roomID, either voluntarily or, with a
// distinct sender, as a kick.
func (r *RoomserverInternalAPI) PerformLeave(ctx context.Context, roomID, senderID, targetID, reason string) error {
	return r.performMembership(ctx, roomID, senderID, targetID, api.MemberContent{
		Membership: api.MembershipLeave,
		Reason:     reason,
	})
}

// PerformInvite invites targetID to roomID.
func (r *RoomserverInternalAPI) PerformInvite(ctx context.Context, roomID, senderID, targetID, reason string) error {
	return r.performMembership(ctx, roomID, senderID, targetID, api.MemberContent{
		Membership: api.MembershipInvite,
		Reason:     reason,
	})
}

// PerformBan bans targetID.
func (r *RoomserverInternalAPI) PerformBan(ctx context.Context, roomID, senderID, targetID, reason string) error {
	return r.performMembership(ctx, roomID, senderID, targetID, api.MemberContent{
		Membership: api.MembershipBan,
		Reason:     reason,
	})
}

// PerformUnban lifts a ban by setting the target back to leave.
// Rejoining afterwards is a separate join.
func (r *RoomserverInternalAPI) PerformUnban(ctx context.Context, roomID, senderID, targetID string) error {
	membership, err := r.DB.GetMembership(ctx, roomID, targetID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if membership == nil || membership.Membership != api.MembershipBan {
		return apierrors.BadRequest("User is not banned from the room")
	}
	return r.performMembership(ctx, roomID, senderID, targetID, api.MemberContent{
		Membership: api.MembershipLeave,
	})
}

func (r *RoomserverInternalAPI) performMembership(
	ctx context.Context, roomID, senderID, targetID string, content api.MemberContent,
) error {
	if _, err := r.DB.GetRoomInfo(ctx, roomID); err != nil {
		if err == sql.ErrNoRows {
			return apierrors.NotFound(fmt.Sprintf("Unknown room %q", roomID))
		}
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return r.Locks.WithLock(roomID, func() error {
		stateKey := targetID
		ev, err := r.buildEvent(ctx, roomID, senderID, api.MRoomMember, &stateKey, raw, "")
		if err != nil {
			return err
		}
		return r.inputLocalEventLocked(ctx, ev)
	})
}

// inputLocalEventLocked feeds a locally-built event through the shared
// input path and converts an authorization rejection into Forbidden, since
// for local intents the sender is the caller and a denial is their answer
// (federation rejections are persisted silently instead).
func (r *RoomserverInternalAPI) inputLocalEventLocked(ctx context.Context, ev *api.Event) error {
	if err := r.inputRoomEventLocked(ctx, ev, nil); err != nil {
		return err
	}
	if ev.Rejected {
		return apierrors.Forbidden("You are not allowed to perform this action in this room")
	}
	return nil
}
