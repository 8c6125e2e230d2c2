// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/roomserver/api"
)

func strPtr(s string) *string { return &s }

type fakeStore struct {
	events map[string]*api.Event
}

func newFakeStore() *fakeStore { return &fakeStore{events: map[string]*api.Event{}} }

func (f *fakeStore) add(ev *api.Event) *api.Event {
	f.events[ev.EventID] = ev
	return ev
}

func (f *fakeStore) lookup(id string) (*api.Event, bool) {
	ev, ok := f.events[id]
	return ev, ok
}

func TestResolveSingleTipPassesThrough(t *testing.T) {
	store := newFakeStore()
	s := api.StateMap{{EventType: api.MRoomCreate, StateKey: ""}: "$create"}
	got := Resolve([]api.StateMap{s}, store.lookup)
	assert.Equal(t, s, got)
}

func TestResolveUnconflictedKeysSurvive(t *testing.T) {
	store := newFakeStore()
	create := store.add(&api.Event{EventID: "$create", EventType: api.MRoomCreate, StateKey: strPtr(""), SenderUserID: "@alice:example.org", Depth: 1})
	_ = create
	tupleKey := api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""}
	a := api.StateMap{tupleKey: "$create"}
	b := api.StateMap{tupleKey: "$create"}
	got := Resolve([]api.StateMap{a, b}, store.lookup)
	assert.Equal(t, "$create", got[tupleKey])
}

func TestResolveConflictedPowerLevelsPicksOneCandidate(t *testing.T) {
	store := newFakeStore()

	createContent, _ := json.Marshal(api.CreateContent{Creator: "@alice:example.org"})
	create := store.add(&api.Event{
		EventID: "$create", EventType: api.MRoomCreate, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Depth: 1,
	})
	create.Content = createContent
	memberContent, _ := json.Marshal(api.MemberContent{Membership: api.MembershipJoin})
	store.add(&api.Event{
		EventID: "$join", EventType: api.MRoomMember, StateKey: strPtr("@alice:example.org"),
		SenderUserID: "@alice:example.org", Content: memberContent,
		AuthEventIDs: []string{"$create"}, PrevEventIDs: []string{"$create"}, Depth: 2,
	})

	plContentA, _ := json.Marshal(api.PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, StateDefault: 50,
		Users: map[string]int64{"@alice:example.org": 100},
	})
	plA := store.add(&api.Event{
		EventID: "$plA", EventType: api.MRoomPowerLevels, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Content: plContentA,
		AuthEventIDs: []string{"$create"}, Depth: 2,
	})

	plContentB, _ := json.Marshal(api.PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, StateDefault: 50,
		Users: map[string]int64{"@alice:example.org": 100},
	})
	plB := store.add(&api.Event{
		EventID: "$plB", EventType: api.MRoomPowerLevels, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Content: plContentB,
		AuthEventIDs: []string{"$create"}, Depth: 3,
	})

	createKey := api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""}
	memberKey := api.StateKeyTuple{EventType: api.MRoomMember, StateKey: "@alice:example.org"}
	plKey := api.StateKeyTuple{EventType: api.MRoomPowerLevels, StateKey: ""}

	stateAtTip1 := api.StateMap{createKey: "$create", memberKey: "$join", plKey: plA.EventID}
	stateAtTip2 := api.StateMap{createKey: "$create", memberKey: "$join", plKey: plB.EventID}

	got := Resolve([]api.StateMap{stateAtTip1, stateAtTip2}, store.lookup)
	require.Contains(t, got, plKey)
	assert.Contains(t, []string{"$plA", "$plB"}, got[plKey], "resolution must deterministically pick one of the conflicting power_levels events")
}

// Resolution must be deterministic under input reordering, including the
// adversarial case of equal-depth forks with identical auth events where
// only the event-ID tie-break separates the candidates.
func TestResolveDeterministicUnderReordering(t *testing.T) {
	store := newFakeStore()

	createContent, _ := json.Marshal(api.CreateContent{Creator: "@alice:example.org"})
	store.add(&api.Event{
		EventID: "$create", EventType: api.MRoomCreate, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Content: createContent, Depth: 1,
	})
	memberContent, _ := json.Marshal(api.MemberContent{Membership: api.MembershipJoin})
	store.add(&api.Event{
		EventID: "$join", EventType: api.MRoomMember, StateKey: strPtr("@alice:example.org"),
		SenderUserID: "@alice:example.org", Content: memberContent,
		AuthEventIDs: []string{"$create"}, PrevEventIDs: []string{"$create"}, Depth: 2,
	})

	topicA, _ := json.Marshal(map[string]string{"topic": "A"})
	topicB, _ := json.Marshal(map[string]string{"topic": "B"})
	// Same depth, same auth events, same timestamps: only the event ID
	// comparison can break the tie.
	store.add(&api.Event{
		EventID: "$topicA", EventType: api.MRoomTopic, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Content: topicA,
		AuthEventIDs: []string{"$create", "$join"}, Depth: 3,
	})
	store.add(&api.Event{
		EventID: "$topicB", EventType: api.MRoomTopic, StateKey: strPtr(""),
		SenderUserID: "@alice:example.org", Content: topicB,
		AuthEventIDs: []string{"$create", "$join"}, Depth: 3,
	})

	createKey := api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""}
	memberKey := api.StateKeyTuple{EventType: api.MRoomMember, StateKey: "@alice:example.org"}
	topicKey := api.StateKeyTuple{EventType: api.MRoomTopic, StateKey: ""}

	tip1 := api.StateMap{createKey: "$create", memberKey: "$join", topicKey: "$topicA"}
	tip2 := api.StateMap{createKey: "$create", memberKey: "$join", topicKey: "$topicB"}

	forward := Resolve([]api.StateMap{tip1, tip2}, store.lookup)
	reversed := Resolve([]api.StateMap{tip2, tip1}, store.lookup)
	if diff := cmp.Diff(forward, reversed); diff != "" {
		t.Fatalf("resolved state depends on input order (-forward +reversed):\n%s", diff)
	}
	require.Contains(t, forward, topicKey)
}

func TestResolveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.add(&api.Event{EventID: "$create", EventType: api.MRoomCreate, StateKey: strPtr(""), SenderUserID: "@alice:example.org", Depth: 1})
	createKey := api.StateKeyTuple{EventType: api.MRoomCreate, StateKey: ""}
	s := api.StateMap{createKey: "$create"}

	once := Resolve([]api.StateMap{s, s}, store.lookup)
	twice := Resolve([]api.StateMap{once, once}, store.lookup)
	assert.Equal(t, once, twice)
}
