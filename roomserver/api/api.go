// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the room-server vocabulary shared by (event
// store), (authorization), (state resolution), and (room
// service): the Event type, state maps, and the request/response shapes
// other components use to reach the room server without depending on its
// storage internals.
package api

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Well-known state event types, named rather than imported from
// gomatrixserverlib since this repository hand-rolls authorization and
// state resolution (DESIGN.md "canonicalization/signing/hashing... is this
// repository's own engineering").
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomName              = "m.room.name"
	MRoomTopic             = "m.room.topic"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomRedaction         = "m.room.redaction"
	MRoomMessage           = "m.room.message"
	MRoomEncryption        = "m.room.encryption"
)

// Membership values for m.room.member's content.membership field.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// JoinRule values for m.room.join_rules's content.join_rule field.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRuleRestricted = "restricted"
)

// StateKeyTuple identifies one slot in room state: an event type plus its
// state_key.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// Event is the immutable unit of the room DAG. Content is kept
// as raw canonical JSON bytes alongside the parsed view so hashing stays
// faithful to exactly what was received.
type Event struct {
	EventID          string          `json:"event_id"`
	RoomID           string          `json:"room_id"`
	SenderUserID     string          `json:"sender"`
	OriginServerName spec.ServerName `json:"-"`
	EventType        string          `json:"type"`
	Content          json.RawMessage `json:"content"`
	StateKey         *string         `json:"state_key,omitempty"`
	PrevEventIDs     []string        `json:"prev_events"`
	AuthEventIDs     []string        `json:"auth_events"`
	Depth            int64           `json:"depth"`
	OriginServerTS   spec.Timestamp  `json:"origin_server_ts"`
	ProcessedTS      spec.Timestamp  `json:"-"`
	Redacts          string          `json:"redacts,omitempty"`
	Signatures       json.RawMessage `json:"signatures,omitempty"`
	Hashes           json.RawMessage `json:"hashes,omitempty"`
	Unsigned         json.RawMessage `json:"unsigned,omitempty"`

	// Rejected marks an event that failed authorization; it is still
	// persisted (to preserve the DAG) but never contributes
	// to resolved state.
	Rejected bool `json:"-"`

	// RedactedBecause, if set, is the event ID of the redaction that
	// stripped this event's content; Content then holds the stripped form.
	RedactedBecause string `json:"-"`
}

// IsState reports whether e is a state event (has a non-nil state_key,
// which may be the empty string).
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateMap is a resolved or partial room state, keyed by (event_type, state_key).
type StateMap map[StateKeyTuple]string

// Clone returns a shallow copy safe for independent mutation.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RoomInfo is the non-event-DAG metadata of a room.
type RoomInfo struct {
	RoomID            string
	CreatorUserID     string
	RoomVersion       string
	JoinRule          string
	HistoryVisibility string
	IsPublic          bool
	MemberCount       int
	CanonicalAlias    string
	Name              string
	Topic             string
	Encryption        string
	CreationTS        spec.Timestamp
}

// Membership is one user's derived membership in a room.
type Membership struct {
	RoomID      string
	UserID      string
	Membership  string
	DisplayName string
	AvatarURL   string
	Reason      string
	EventID     string
}

// PowerLevelsContent is the parsed content of m.room.power_levels, used by
// to look up a sender's authority.
type PowerLevelsContent struct {
	Ban           int64            `json:"ban"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Invite        int64            `json:"invite"`
	StateDefault  int64            `json:"state_default"`
	EventsDefault int64            `json:"events_default"`
	UsersDefault  int64            `json:"users_default"`
	Users         map[string]int64 `json:"users"`
	Events        map[string]int64 `json:"events"`
}

// DefaultPowerLevelsContent matches the Matrix spec's documented defaults
// for an unset m.room.power_levels event.
func DefaultPowerLevelsContent(creator string) PowerLevelsContent {
	return PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, Invite: 0,
		StateDefault: 50, EventsDefault: 0, UsersDefault: 0,
		Users:  map[string]int64{creator: 100},
		Events: map[string]int64{},
	}
}

func (p *PowerLevelsContent) UserLevel(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

func (p *PowerLevelsContent) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// MemberContent is the parsed content of m.room.member.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CreateContent is the parsed content of m.room.create.
type CreateContent struct {
	Creator     string `json:"creator"`
	RoomVersion string `json:"room_version,omitempty"`
}

// JoinRulesContent is the parsed content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}
