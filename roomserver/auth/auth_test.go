// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/roomserver/api"
)

func strPtr(s string) *string { return &s }

func memberEvent(id, room, sender, target, membership string) *api.Event {
	content, _ := json.Marshal(api.MemberContent{Membership: membership})
	return &api.Event{
		EventID: id, RoomID: room, SenderUserID: sender, EventType: api.MRoomMember,
		StateKey: strPtr(target), Content: content,
	}
}

func powerLevelsEvent(id, room string, users map[string]int64) *api.Event {
	content, _ := json.Marshal(api.PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, Invite: 0, StateDefault: 50, Users: users,
	})
	return &api.Event{EventID: id, RoomID: room, EventType: api.MRoomPowerLevels, StateKey: strPtr(""), Content: content}
}

func joinRulesEvent(id, room, rule string) *api.Event {
	content, _ := json.Marshal(api.JoinRulesContent{JoinRule: rule})
	return &api.Event{EventID: id, RoomID: room, EventType: api.MRoomJoinRules, StateKey: strPtr(""), Content: content}
}

func lookupFrom(events ...*api.Event) EventLookup {
	byID := map[string]*api.Event{}
	for _, e := range events {
		byID[e.EventID] = e
	}
	return func(id string) (*api.Event, bool) {
		ev, ok := byID[id]
		return ev, ok
	}
}

func TestCheckCreateEventRequiresNoPrevEvents(t *testing.T) {
	content, _ := json.Marshal(api.CreateContent{Creator: "@alice:example.org"})
	ev := &api.Event{EventID: "$create", EventType: api.MRoomCreate, SenderUserID: "@alice:example.org", Content: content}
	v := CheckEvent(ev, nil, nil, nil)
	assert.True(t, v.Allowed)

	ev.PrevEventIDs = []string{"$other"}
	v = CheckEvent(ev, nil, nil, nil)
	assert.False(t, v.Allowed)
}

func TestJoinRequiresPublicRoomOrInvite(t *testing.T) {
	pl := powerLevelsEvent("$pl", "!room", map[string]int64{"@alice:example.org": 100})
	jr := joinRulesEvent("$jr", "!room", api.JoinRuleInvite)
	state := api.StateMap{
		{EventType: api.MRoomPowerLevels, StateKey: ""}: "$pl",
		{EventType: api.MRoomJoinRules, StateKey: ""}:   "$jr",
	}
	lookup := lookupFrom(pl, jr)

	joinEv := memberEvent("$join", "!room", "@bob:example.org", "@bob:example.org", api.MembershipJoin)
	v := CheckEvent(joinEv, state, lookup, nil)
	require.False(t, v.Allowed, "invite-only room should reject an unsolicited join")

	publicJR := joinRulesEvent("$jr2", "!room", api.JoinRulePublic)
	lookup2 := lookupFrom(pl, publicJR)
	state2 := api.StateMap{
		{EventType: api.MRoomPowerLevels, StateKey: ""}: "$pl",
		{EventType: api.MRoomJoinRules, StateKey: ""}:   "$jr2",
	}
	v = CheckEvent(joinEv, state2, lookup2, nil)
	assert.True(t, v.Allowed, "public room should allow an unsolicited join")
}

func TestJoinMustBeSentByTarget(t *testing.T) {
	ev := memberEvent("$join", "!room", "@alice:example.org", "@bob:example.org", api.MembershipJoin)
	v := CheckEvent(ev, api.StateMap{}, lookupFrom(), nil)
	assert.False(t, v.Allowed)
}

func TestInviteRequiresInvitePower(t *testing.T) {
	content, _ := json.Marshal(api.PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, Invite: 50, StateDefault: 50,
		Users: map[string]int64{"@alice:example.org": 0},
	})
	pl := &api.Event{EventID: "$pl", RoomID: "!room", EventType: api.MRoomPowerLevels, StateKey: strPtr(""), Content: content}
	state := api.StateMap{{EventType: api.MRoomPowerLevels, StateKey: ""}: "$pl"}
	lookup := lookupFrom(pl)

	ev := memberEvent("$invite", "!room", "@alice:example.org", "@carol:example.org", api.MembershipInvite)
	v := CheckEvent(ev, state, lookup, nil)
	assert.False(t, v.Allowed, "invite power raised to 50, sender is at 0")
}

func TestInviteAllowedAtDefaultPower(t *testing.T) {
	pl := powerLevelsEvent("$pl", "!room", map[string]int64{"@alice:example.org": 0})
	state := api.StateMap{{EventType: api.MRoomPowerLevels, StateKey: ""}: "$pl"}
	lookup := lookupFrom(pl)

	ev := memberEvent("$invite", "!room", "@alice:example.org", "@carol:example.org", api.MembershipInvite)
	v := CheckEvent(ev, state, lookup, nil)
	assert.True(t, v.Allowed)
}

func TestCannotInviteAlreadyJoinedUser(t *testing.T) {
	joined := memberEvent("$joined", "!room", "@carol:example.org", "@carol:example.org", api.MembershipJoin)
	pl := powerLevelsEvent("$pl", "!room", map[string]int64{"@alice:example.org": 100})
	state := api.StateMap{
		{EventType: api.MRoomMember, StateKey: "@carol:example.org"}: "$joined",
		{EventType: api.MRoomPowerLevels, StateKey: ""}:              "$pl",
	}
	lookup := lookupFrom(joined, pl)

	ev := memberEvent("$invite", "!room", "@alice:example.org", "@carol:example.org", api.MembershipInvite)
	v := CheckEvent(ev, state, lookup, nil)
	assert.False(t, v.Allowed)
}

func TestStateEventRequiresSenderJoinedAndPower(t *testing.T) {
	joined := memberEvent("$joined", "!room", "@alice:example.org", "@alice:example.org", api.MembershipJoin)
	pl := powerLevelsEvent("$pl", "!room", map[string]int64{"@alice:example.org": 100})
	state := api.StateMap{
		{EventType: api.MRoomMember, StateKey: "@alice:example.org"}: "$joined",
		{EventType: api.MRoomPowerLevels, StateKey: ""}:              "$pl",
	}
	lookup := lookupFrom(joined, pl)

	ev := &api.Event{
		EventID: "$name", RoomID: "!room", SenderUserID: "@alice:example.org",
		EventType: api.MRoomName, StateKey: strPtr(""), Content: json.RawMessage(`{"name":"hi"}`),
	}
	v := CheckEvent(ev, state, lookup, nil)
	assert.True(t, v.Allowed)

	notJoined := &api.Event{
		EventID: "$name2", RoomID: "!room", SenderUserID: "@mallory:example.org",
		EventType: api.MRoomName, StateKey: strPtr(""), Content: json.RawMessage(`{"name":"hi"}`),
	}
	v = CheckEvent(notJoined, state, lookup, nil)
	assert.False(t, v.Allowed)
}

func TestMessageEventRequiresSenderJoined(t *testing.T) {
	ev := &api.Event{
		EventID: "$msg", RoomID: "!room", SenderUserID: "@mallory:example.org",
		EventType: api.MRoomMessage, Content: json.RawMessage(`{"body":"hi"}`),
	}
	v := CheckEvent(ev, api.StateMap{}, lookupFrom(), nil)
	assert.False(t, v.Allowed)
}
