// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package streams holds one provider per sync response section.
// The PDU stream (rooms × state/timeline), the to-device
// stream, and the device-list stream. The request pool composes them into
// a single response.
package streams

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/syncapi/storage"
	"github.com/matrixhs/homeserver/syncapi/storage/tables"
	"github.com/matrixhs/homeserver/syncapi/types"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// PDUStreamProvider fills the rooms section: join/invite/leave, each with
// a state delta and timeline page.
type PDUStreamProvider struct {
	DB            *storage.Database
	TimelineLimit int
}

// CompleteSync serves a sync with no since token: full current state per
// joined room, an empty timeline marked limited, and pending invites.
func (p *PDUStreamProvider) CompleteSync(
	ctx context.Context, res *types.Response, userID string, to types.StreamPosition,
) error {
	joined, err := p.DB.RoomIDsWithMembership(ctx, userID, rsapi.MembershipJoin)
	if err != nil {
		return err
	}
	for _, roomID := range joined {
		stateEvents, err := p.DB.CurrentState(ctx, roomID)
		if err != nil {
			return err
		}
		join := types.JoinResponse{}
		join.State.Events = clientEvents(stateEvents)
		join.Timeline = types.TimelineResponse{
			Events:    []types.ClientEvent{},
			Limited:   true,
			PrevBatch: types.StreamingToken{PDUPosition: to}.String(),
		}
		res.Rooms.Join[roomID] = join
	}

	return p.addInvites(ctx, res, userID)
}

// IncrementalSync serves a sync with a since token: per joined room, the
// timeline in (from, to] and the state events that changed within it.
func (p *PDUStreamProvider) IncrementalSync(
	ctx context.Context, res *types.Response, userID string, from, to types.StreamPosition,
) error {
	joined, err := p.DB.RoomIDsWithMembership(ctx, userID, rsapi.MembershipJoin)
	if err != nil {
		return err
	}
	for _, roomID := range joined {
		events, limited, err := p.DB.RecentEvents(ctx, roomID, from, to, p.TimelineLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}
		join := types.JoinResponse{}
		join.Timeline = types.TimelineResponse{
			Events:    clientEvents(events),
			Limited:   limited,
			PrevBatch: types.StreamingToken{PDUPosition: from}.String(),
		}
		// The state section carries the delta that happened since `since`
		// but outside the returned timeline; with a contiguous timeline
		// the state events are in the timeline itself, so only a limited
		// page needs the gap filled.
		if limited {
			stateEvents, err := p.DB.CurrentState(ctx, roomID)
			if err != nil {
				return err
			}
			join.State.Events = clientEvents(stateEvents)
		} else {
			join.State.Events = []types.ClientEvent{}
		}
		res.Rooms.Join[roomID] = join
	}

	// Rooms the user has left appear under leave when they have events in
	// the window; the entry carries the timeline and an empty state list.
	left, err := p.DB.RoomIDsWithMembership(ctx, userID, rsapi.MembershipLeave)
	if err != nil {
		return err
	}
	for _, roomID := range left {
		events, limited, err := p.DB.RecentEvents(ctx, roomID, from, to, p.TimelineLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}
		leave := types.LeaveResponse{}
		leave.Timeline = types.TimelineResponse{
			Events:  clientEvents(events),
			Limited: limited,
		}
		leave.State.Events = []types.ClientEvent{}
		res.Rooms.Leave[roomID] = leave
	}

	return p.addInvites(ctx, res, userID)
}

func (p *PDUStreamProvider) addInvites(ctx context.Context, res *types.Response, userID string) error {
	invited, err := p.DB.RoomIDsWithMembership(ctx, userID, rsapi.MembershipInvite)
	if err != nil {
		return err
	}
	for _, roomID := range invited {
		stateEvents, err := p.DB.CurrentState(ctx, roomID)
		if err != nil {
			return err
		}
		invite := types.InviteResponse{}
		// Invited users see the stripped state: enough to render the room
		// header, not its history.
		for _, ev := range stateEvents {
			switch ev.EventType {
			case rsapi.MRoomCreate, rsapi.MRoomName, rsapi.MRoomTopic,
				rsapi.MRoomCanonicalAlias, rsapi.MRoomJoinRules, rsapi.MRoomEncryption:
				invite.InviteState.Events = append(invite.InviteState.Events, clientEvents([]tables.StreamEvent{ev})...)
			case rsapi.MRoomMember:
				if parsed := parseEvent(ev.EventJSON); parsed != nil && parsed.StateKey != nil && *parsed.StateKey == userID {
					invite.InviteState.Events = append(invite.InviteState.Events, clientEvents([]tables.StreamEvent{ev})...)
				}
			}
		}
		res.Rooms.Invite[roomID] = invite
	}
	return nil
}

// ToDeviceStreamProvider fills to_device and advances its token component
// by deleting acknowledged messages.
type ToDeviceStreamProvider struct {
	UserAPI *userinternal.UserInternalAPI
}

func (p *ToDeviceStreamProvider) Fill(
	ctx context.Context, res *types.Response, userID, deviceID string, from, to types.StreamPosition,
) (types.StreamPosition, error) {
	// Acknowledge everything the client has seen by advancing past `from`.
	if from > 0 {
		if err := p.UserAPI.PerformToDeviceAck(ctx, userID, deviceID, int64(from)); err != nil {
			return from, err
		}
	}
	events, last, err := p.UserAPI.QueryToDeviceMessages(ctx, userID, deviceID, int64(from), int64(to))
	if err != nil {
		return from, err
	}
	for _, ev := range events {
		raw, err := types.ToDeviceEventToJSON(ev)
		if err != nil {
			log.WithError(err).Warn("Failed to encode to-device event")
			continue
		}
		res.ToDevice.Events = append(res.ToDevice.Events, raw)
	}
	return types.StreamPosition(last), nil
}

// DeviceListStreamProvider fills device_lists.changed with the users whose
// keys changed in the window, filtered to users the syncing user shares a
// room with.
type DeviceListStreamProvider struct {
	DB      *storage.Database
	UserAPI *userinternal.UserInternalAPI
}

func (p *DeviceListStreamProvider) Fill(
	ctx context.Context, res *types.Response, userID string, from, to types.StreamPosition,
) (types.StreamPosition, error) {
	changed, latest, err := p.UserAPI.QueryKeyChanges(ctx, int64(from), int64(to))
	if err != nil {
		return from, err
	}
	if len(changed) == 0 {
		return types.StreamPosition(latest), nil
	}

	shared := map[string]bool{}
	joined, err := p.DB.RoomIDsWithMembership(ctx, userID, rsapi.MembershipJoin)
	if err != nil {
		return from, err
	}
	for _, roomID := range joined {
		members, err := p.DB.JoinedUsersInRoom(ctx, roomID)
		if err != nil {
			return from, err
		}
		for _, member := range members {
			shared[member] = true
		}
	}
	for _, changedUserID := range changed {
		if changedUserID == userID || shared[changedUserID] {
			res.DeviceLists.Changed = append(res.DeviceLists.Changed, changedUserID)
		}
	}
	return types.StreamPosition(latest), nil
}

func clientEvents(events []tables.StreamEvent) []types.ClientEvent {
	out := make([]types.ClientEvent, 0, len(events))
	for _, ev := range events {
		parsed := parseEvent(ev.EventJSON)
		if parsed == nil {
			continue
		}
		out = append(out, types.ClientEvent{
			EventID:        parsed.EventID,
			RoomID:         parsed.RoomID,
			Sender:         parsed.SenderUserID,
			Type:           parsed.EventType,
			StateKey:       parsed.StateKey,
			Content:        parsed.Content,
			OriginServerTS: parsed.OriginServerTS,
			Redacts:        parsed.Redacts,
			Unsigned:       parsed.Unsigned,
		})
	}
	return out
}

func parseEvent(eventJSON []byte) *rsapi.Event {
	var ev rsapi.Event
	if err := json.Unmarshal(eventJSON, &ev); err != nil {
		log.WithError(err).Warn("Failed to parse stored sync event")
		return nil
	}
	return &ev
}
