// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/roomserver/api"
)

// buildEvent assembles, hashes, and signs a locally-originated event.
// Prev_events from the room's forward
// extremities, auth_events from the minimal required state, depth one past
// the deepest prev.
func (r *RoomserverInternalAPI) buildEvent(
	ctx context.Context, roomID, sender, eventType string, stateKey *string,
	content json.RawMessage, redacts string,
) (*api.Event, error) {
	prevEventIDs, err := r.DB.GetForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	depth := int64(1)
	if len(prevEventIDs) > 0 {
		maxDepth, err := r.DB.GetMaxDepth(ctx, roomID)
		if err != nil {
			return nil, err
		}
		depth = maxDepth + 1
	}

	currentState, err := r.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	authEventIDs := selectAuthEvents(currentState, eventType, sender, stateKey)

	ev := &api.Event{
		RoomID:           roomID,
		SenderUserID:     sender,
		OriginServerName: r.ServerName,
		EventType:        eventType,
		Content:          content,
		StateKey:         stateKey,
		PrevEventIDs:     prevEventIDs,
		AuthEventIDs:     authEventIDs,
		Depth:            depth,
		OriginServerTS:   spec.AsTimestamp(time.Now()),
		Redacts:          redacts,
	}
	if err := r.hashAndSignEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// hashAndSignEvent stamps event_id/hashes (content hash) and this
// server's signature onto ev.
func (r *RoomserverInternalAPI) hashAndSignEvent(ev *api.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("hashAndSignEvent: %w", err)
	}
	eventID, hashes, err := canonicaljson.HashAndEventID(raw)
	if err != nil {
		return err
	}
	ev.EventID = eventID
	if ev.Hashes, err = json.Marshal(hashes); err != nil {
		return err
	}

	raw, err = json.Marshal(ev)
	if err != nil {
		return err
	}
	signed, err := canonicaljson.SignObject(raw, r.ServerName, r.KeyID, r.PrivateKey)
	if err != nil {
		return err
	}
	sigs := gjson.GetBytes(signed, "signatures")
	if !sigs.Exists() {
		return fmt.Errorf("hashAndSignEvent: signature missing after signing")
	}
	ev.Signatures = json.RawMessage(sigs.Raw)
	return nil
}

// selectAuthEvents picks the minimal auth set for an event against the
// current state:
// the create event, the power levels, the sender's membership, and for
// membership changes also the join rules and the target's membership.
func selectAuthEvents(state api.StateMap, eventType, sender string, stateKey *string) []string {
	if eventType == api.MRoomCreate && stateKey != nil && *stateKey == "" {
		return nil
	}
	var out []string
	add := func(tuple api.StateKeyTuple) {
		if eventID, ok := state[tuple]; ok {
			for _, existing := range out {
				if existing == eventID {
					return
				}
			}
			out = append(out, eventID)
		}
	}
	add(api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""})
	add(api.StateKeyTuple{EventType: api.MRoomPowerLevels, StateKey: ""})
	add(api.StateKeyTuple{EventType: api.MRoomMember, StateKey: sender})
	if eventType == api.MRoomMember {
		add(api.StateKeyTuple{EventType: api.MRoomJoinRules, StateKey: ""})
		if stateKey != nil && *stateKey != sender {
			add(api.StateKeyTuple{EventType: api.MRoomMember, StateKey: *stateKey})
		}
	}
	return out
}
