// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/setup/config"
)

var syncTestDBCounter int

func newTestDB(t *testing.T) *Database {
	t.Helper()
	syncTestDBCounter++
	db, err := Open(&config.Database{
		ConnectionString:   fmt.Sprintf("file:syncapi_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), syncTestDBCounter),
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
	})
	require.NoError(t, err)
	return db
}

func strPtr(s string) *string { return &s }

func testEvent(id, room, sender, eventType string, stateKey *string, body string) *rsapi.Event {
	return &rsapi.Event{
		EventID:      id,
		RoomID:       room,
		SenderUserID: sender,
		EventType:    eventType,
		StateKey:     stateKey,
		Content:      json.RawMessage(body),
	}
}

func TestWriteEventAssignsIncreasingPositions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pos1, err := db.WriteEvent(ctx, testEvent("$e1", "!room:test", "@alice:test", "m.room.message", nil, `{"body":"1"}`))
	require.NoError(t, err)
	pos2, err := db.WriteEvent(ctx, testEvent("$e2", "!room:test", "@alice:test", "m.room.message", nil, `{"body":"2"}`))
	require.NoError(t, err)
	assert.Greater(t, pos2, pos1)

	// Duplicate bus deliveries are ignored.
	dup, err := db.WriteEvent(ctx, testEvent("$e1", "!room:test", "@alice:test", "m.room.message", nil, `{"body":"1"}`))
	require.NoError(t, err)
	assert.Zero(t, dup)
}

func TestRecentEventsWindowAndLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := db.WriteEvent(ctx, testEvent(fmt.Sprintf("$e%d", i), "!room:test", "@alice:test", "m.room.message", nil,
			fmt.Sprintf(`{"body":"%d"}`, i)))
		require.NoError(t, err)
	}
	max, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)

	// since=2 must return only events with position > 2 (spec invariant 8).
	events, limited, err := db.RecentEvents(ctx, "!room:test", 2, max, 10)
	require.NoError(t, err)
	assert.False(t, limited)
	require.Len(t, events, 3)
	assert.Equal(t, "$e3", events[0].EventID)
	assert.Equal(t, "$e5", events[2].EventID)

	// A tight limit keeps the newest events and reports limited=true.
	events, limited, err = db.RecentEvents(ctx, "!room:test", 0, max, 2)
	require.NoError(t, err)
	assert.True(t, limited)
	require.Len(t, events, 2)
	assert.Equal(t, "$e4", events[0].EventID)
	assert.Equal(t, "$e5", events[1].EventID)
}

func TestCurrentStateTracksMembership(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	join := testEvent("$m1", "!room:test", "@alice:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`)
	_, err := db.WriteEvent(ctx, join)
	require.NoError(t, err)

	rooms, err := db.RoomIDsWithMembership(ctx, "@alice:test", "join")
	require.NoError(t, err)
	assert.Equal(t, []string{"!room:test"}, rooms)

	leave := testEvent("$m2", "!room:test", "@alice:test", "m.room.member", strPtr("@alice:test"), `{"membership":"leave"}`)
	_, err = db.WriteEvent(ctx, leave)
	require.NoError(t, err)

	rooms, err = db.RoomIDsWithMembership(ctx, "@alice:test", "join")
	require.NoError(t, err)
	assert.Empty(t, rooms)
	rooms, err = db.RoomIDsWithMembership(ctx, "@alice:test", "leave")
	require.NoError(t, err)
	assert.Equal(t, []string{"!room:test"}, rooms)
}

// Redacted content must never be served from the sync projection again
// (spec invariant 4).
func TestRedactEventStripsStoredCopy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.WriteEvent(ctx, testEvent("$secret", "!room:test", "@alice:test", "m.room.message", nil, `{"body":"the secret"}`))
	require.NoError(t, err)

	require.NoError(t, db.RedactEvent(ctx, "$secret", json.RawMessage(`{}`)))

	max, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	events, _, err := db.RecentEvents(ctx, "!room:test", 0, max, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, string(events[0].EventJSON), "the secret")
}

func TestRejectedStateDoesNotEnterCurrentState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rejected := testEvent("$bad", "!room:test", "@mallory:test", "m.room.member", strPtr("@mallory:test"), `{"membership":"join"}`)
	rejected.Rejected = true
	_, err := db.WriteEvent(ctx, rejected)
	require.NoError(t, err)

	rooms, err := db.RoomIDsWithMembership(ctx, "@mallory:test", "join")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
