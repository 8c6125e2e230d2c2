// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage"
	"github.com/matrixhs/homeserver/setup/config"
)

var rsTestDBCounter int

func newTestRoomserver(t *testing.T) *RoomserverInternalAPI {
	t.Helper()
	rsTestDBCounter++
	dbCfg := config.Database{
		ConnectionString:   fmt.Sprintf("file:roomserver_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), rsTestDBCounter),
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
	}
	db, err := storage.Open(&dbCfg)
	require.NoError(t, err)

	global := &config.Global{ServerName: "test"}
	cfg := &config.RoomServer{Matrix: global}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Matrix = global

	_, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return NewRoomserverAPI(cfg, db, "ed25519:test", privateKey, nil)
}

func createTestRoom(t *testing.T, r *RoomserverInternalAPI, creator string, preset string, invites ...string) string {
	t.Helper()
	roomID, err := r.PerformCreateRoom(context.Background(), &CreateRoomRequest{
		CreatorUserID: creator,
		Preset:        preset,
		Invites:       invites,
	})
	require.NoError(t, err)
	require.NotEmpty(t, roomID)
	return roomID
}

func TestCreateRoomProducesGenesisState(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	st, err := r.CurrentState(context.Background(), roomID)
	require.NoError(t, err)
	assert.Contains(t, st, api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""})
	assert.Contains(t, st, api.StateKeyTuple{EventType: api.MRoomPowerLevels, StateKey: ""})
	assert.Contains(t, st, api.StateKeyTuple{EventType: api.MRoomJoinRules, StateKey: ""})
	assert.Contains(t, st, api.StateKeyTuple{EventType: api.MRoomMember, StateKey: "@alice:test"})

	membership, err := r.QueryMembership(context.Background(), roomID, "@alice:test")
	require.NoError(t, err)
	require.NotNil(t, membership)
	assert.Equal(t, api.MembershipJoin, membership.Membership)
}

func TestEventIDsMatchContentHash(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	eventID, err := r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)

	ev, err := r.DB.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	computed, _, err := canonicaljson.HashAndEventID(raw)
	require.NoError(t, err)
	assert.Equal(t, eventID, computed, "persisted event_id must equal the canonical content hash")
}

func TestInviteThenJoinThenMessage(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	require.NoError(t, r.PerformInvite(context.Background(), roomID, "@alice:test", "@bob:test", ""))
	require.NoError(t, r.PerformJoin(context.Background(), roomID, "@bob:test"))

	eventID, err := r.PerformSendMessage(context.Background(), roomID, "@bob:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"hello alice"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
}

func TestJoinPrivateRoomWithoutInviteIsForbidden(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	err := r.PerformJoin(context.Background(), roomID, "@mallory:test")
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.Error)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindForbidden, apiErr.Kind)
}

func TestMessageFromNonMemberIsForbidden(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	_, err := r.PerformSendMessage(context.Background(), roomID, "@mallory:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"let me in"}`))
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.Error)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindForbidden, apiErr.Kind)
}

func TestPublicRoomJoinWithoutInvite(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "public_chat")

	require.NoError(t, r.PerformJoin(context.Background(), roomID, "@bob:test"))
	membership, err := r.QueryMembership(context.Background(), roomID, "@bob:test")
	require.NoError(t, err)
	assert.Equal(t, api.MembershipJoin, membership.Membership)
}

func TestBanThenUnbanThenRejoin(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "public_chat")
	require.NoError(t, r.PerformJoin(context.Background(), roomID, "@bob:test"))

	require.NoError(t, r.PerformBan(context.Background(), roomID, "@alice:test", "@bob:test", "spam"))
	err := r.PerformJoin(context.Background(), roomID, "@bob:test")
	require.Error(t, err, "banned users cannot rejoin")

	require.NoError(t, r.PerformUnban(context.Background(), roomID, "@alice:test", "@bob:test"))
	require.NoError(t, r.PerformJoin(context.Background(), roomID, "@bob:test"))
}

func TestRedactionStripsContent(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	eventID, err := r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"delete me"}`))
	require.NoError(t, err)

	redactionID, err := r.PerformRedact(context.Background(), roomID, "@alice:test", eventID, "mistake")
	require.NoError(t, err)
	require.NotEmpty(t, redactionID)

	target, err := r.DB.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, redactionID, target.RedactedBecause)
	assert.NotContains(t, string(target.Content), "delete me")
}

func TestRedactByNonSenderRequiresPower(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "public_chat")
	require.NoError(t, r.PerformJoin(context.Background(), roomID, "@bob:test"))

	eventID, err := r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"important"}`))
	require.NoError(t, err)

	// Bob is a plain member with power 0 < redact threshold 50.
	_, err = r.PerformRedact(context.Background(), roomID, "@bob:test", eventID, "")
	require.Error(t, err)

	// Alice created the room and holds power 100.
	_, err = r.PerformRedact(context.Background(), roomID, "@alice:test", eventID, "")
	require.NoError(t, err)
}

func TestTimelineOrderIsStable(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	var sent []string
	for i := 0; i < 5; i++ {
		eventID, err := r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
			json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":"msg %d"}`, i)))
		require.NoError(t, err)
		sent = append(sent, eventID)
	}

	events, err := r.QueryTimeline(context.Background(), roomID, 0, 100, false)
	require.NoError(t, err)
	var gotMessages []string
	for _, ev := range events {
		if ev.EventType == api.MRoomMessage {
			gotMessages = append(gotMessages, ev.EventID)
		}
	}
	assert.Equal(t, sent, gotMessages)
}

func TestPurgePreservesStateAndExtremities(t *testing.T) {
	r := newTestRoomserver(t)
	roomID := createTestRoom(t, r, "@alice:test", "private_chat")

	for i := 0; i < 3; i++ {
		_, err := r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
			json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":"old %d"}`, i)))
		require.NoError(t, err)
	}

	_, err := r.PerformPurge(context.Background(), roomID, spec.AsTimestamp(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// The room must still function: the create event and live state
	// survived, so a new message can be built and authorized.
	st, err := r.CurrentState(context.Background(), roomID)
	require.NoError(t, err)
	createID := st[api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""}]
	ev, err := r.DB.GetEvent(context.Background(), createID)
	require.NoError(t, err)
	require.NotNil(t, ev)

	_, err = r.PerformSendMessage(context.Background(), roomID, "@alice:test", api.MRoomMessage,
		json.RawMessage(`{"msgtype":"m.text","body":"after purge"}`))
	require.NoError(t, err)
}
