// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the sync pipeline's vocabulary: stream positions,
// the opaque sync token, and the /sync response shape.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	userapi "github.com/matrixhs/homeserver/userapi/api"
)

// StreamPosition is one component stream's monotonic cursor.
type StreamPosition int64

// StreamingToken is the decoded form of a sync token: one position per
// independent stream. The string form is "s{pdu}_{todevice}_{devicelist}".
type StreamingToken struct {
	PDUPosition        StreamPosition
	ToDevicePosition   StreamPosition
	DeviceListPosition StreamPosition
}

func (t StreamingToken) String() string {
	return fmt.Sprintf("s%d_%d_%d", t.PDUPosition, t.ToDevicePosition, t.DeviceListPosition)
}

// IsAfter reports whether any component of t is ahead of other, i.e.
// there is something new to tell a client that synced at other.
func (t StreamingToken) IsAfter(other StreamingToken) bool {
	return t.PDUPosition > other.PDUPosition ||
		t.ToDevicePosition > other.ToDevicePosition ||
		t.DeviceListPosition > other.DeviceListPosition
}

// IsEmpty is true for the zero token, i.e. an initial sync.
func (t StreamingToken) IsEmpty() bool {
	return t == StreamingToken{}
}

// ApplyUpdates returns t advanced to the maximum of itself and other per
// component, keeping next_batch monotonically non-decreasing.
func (t StreamingToken) ApplyUpdates(other StreamingToken) StreamingToken {
	if other.PDUPosition > t.PDUPosition {
		t.PDUPosition = other.PDUPosition
	}
	if other.ToDevicePosition > t.ToDevicePosition {
		t.ToDevicePosition = other.ToDevicePosition
	}
	if other.DeviceListPosition > t.DeviceListPosition {
		t.DeviceListPosition = other.DeviceListPosition
	}
	return t
}

// NewStreamTokenFromString parses a client-supplied since token. Tokens
// are opaque to clients but versioned by their "s" prefix here.
func NewStreamTokenFromString(tok string) (StreamingToken, error) {
	if !strings.HasPrefix(tok, "s") {
		return StreamingToken{}, fmt.Errorf("sync token %q does not start with 's'", tok)
	}
	parts := strings.Split(tok[1:], "_")
	if len(parts) != 3 {
		return StreamingToken{}, fmt.Errorf("sync token %q has wrong number of components", tok)
	}
	positions := [3]StreamPosition{}
	for i, part := range parts {
		pos, err := strconv.ParseInt(part, 10, 64)
		if err != nil || pos < 0 {
			return StreamingToken{}, fmt.Errorf("sync token %q has malformed component %q", tok, part)
		}
		positions[i] = StreamPosition(pos)
	}
	return StreamingToken{
		PDUPosition:        positions[0],
		ToDevicePosition:   positions[1],
		DeviceListPosition: positions[2],
	}, nil
}

// ClientEvent is an event as served to clients: the federation fields
// (prev_events, auth_events, hashes, signatures) are stripped.
type ClientEvent struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Redacts        string          `json:"redacts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// Response is the body of GET /sync.
type Response struct {
	NextBatch           string         `json:"next_batch"`
	AccountData         ClientEvents   `json:"account_data,omitempty"`
	Presence            ClientEvents   `json:"presence,omitempty"`
	Rooms               RoomsResponse  `json:"rooms"`
	ToDevice            ClientEvents   `json:"to_device"`
	DeviceLists         DeviceLists    `json:"device_lists"`
	DeviceListsOTKCount map[string]int `json:"device_one_time_keys_count"`
}

// ClientEvents wraps an events array, matching the {"events": [...]}
// nesting the sync response uses everywhere.
type ClientEvents struct {
	Events []json.RawMessage `json:"events"`
}

type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

type RoomsResponse struct {
	Join   map[string]JoinResponse   `json:"join"`
	Invite map[string]InviteResponse `json:"invite"`
	Leave  map[string]LeaveResponse  `json:"leave"`
}

type JoinResponse struct {
	State struct {
		Events []ClientEvent `json:"events"`
	} `json:"state"`
	Timeline            TimelineResponse    `json:"timeline"`
	Ephemeral           ClientEvents        `json:"ephemeral"`
	AccountData         ClientEvents        `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

type TimelineResponse struct {
	Events    []ClientEvent `json:"events"`
	Limited   bool          `json:"limited"`
	PrevBatch string        `json:"prev_batch,omitempty"`
}

type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

type InviteResponse struct {
	InviteState struct {
		Events []ClientEvent `json:"events"`
	} `json:"invite_state"`
}

type LeaveResponse struct {
	State struct {
		Events []ClientEvent `json:"events"`
	} `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}

// NewResponse allocates the maps so handlers can populate sections without
// nil checks.
func NewResponse() *Response {
	res := Response{}
	res.Rooms.Join = map[string]JoinResponse{}
	res.Rooms.Invite = map[string]InviteResponse{}
	res.Rooms.Leave = map[string]LeaveResponse{}
	res.ToDevice.Events = []json.RawMessage{}
	res.DeviceListsOTKCount = map[string]int{}
	return &res
}

// IsEmpty reports whether the response carries nothing worth returning
// early from a long-poll for.
func (r *Response) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.ToDevice.Events) == 0 &&
		len(r.DeviceLists.Changed) == 0 &&
		len(r.DeviceLists.Left) == 0
}

// ToDeviceEventToJSON renders a stored to-device message into the sync
// response's wire form.
func ToDeviceEventToJSON(ev userapi.ToDeviceEvent) (json.RawMessage, error) {
	return json.Marshal(ev)
}
