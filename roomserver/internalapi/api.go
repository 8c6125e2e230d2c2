// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internalapi implements the room service: it turns client and
// federation intents into signed events, runs them through authorization
// and state resolution, persists them, and fans them out
// on the internal bus.
package internalapi

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/roomlock"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/producers"
	"github.com/matrixhs/homeserver/roomserver/state"
	"github.com/matrixhs/homeserver/roomserver/storage"
	"github.com/matrixhs/homeserver/setup/config"
)

// RoomserverInternalAPI is the concrete room service. Writes are
// serialized per room via Locks; reads go straight to the database.
type RoomserverInternalAPI struct {
	DB    *storage.Database
	Cfg   *config.RoomServer
	Locks *roomlock.Locks

	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey

	Producer *producers.RoomEventProducer
}

func NewRoomserverAPI(
	cfg *config.RoomServer, db *storage.Database,
	keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey,
	producer *producers.RoomEventProducer,
) *RoomserverInternalAPI {
	return &RoomserverInternalAPI{
		DB:         db,
		Cfg:        cfg,
		Locks:      roomlock.New(),
		ServerName: cfg.Matrix.ServerName,
		KeyID:      keyID,
		PrivateKey: privateKey,
		Producer:   producer,
	}
}

// eventLookup adapts the database to the lookup callback shape and
// take, so authorization and resolution can chase auth_event_ids without
// depending on storage.
func (r *RoomserverInternalAPI) eventLookup(ctx context.Context) func(eventID string) (*api.Event, bool) {
	return func(eventID string) (*api.Event, bool) {
		ev, err := r.DB.GetEvent(ctx, eventID)
		if err != nil {
			return nil, false
		}
		return ev, true
	}
}

// CurrentState returns the room's forward state.
func (r *RoomserverInternalAPI) CurrentState(ctx context.Context, roomID string) (api.StateMap, error) {
	st, err := r.DB.GetState(ctx, roomID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if st == nil {
		st = api.StateMap{}
	}
	return st, nil
}

// stateBeforeEvent computes the state in effect just before an event with
// the given prev_events. When the prevs are exactly the room's current
// forward extremities the cached forward state answers directly; otherwise
// the state at each prev tip is reconstructed and resolved.
func (r *RoomserverInternalAPI) stateBeforeEvent(ctx context.Context, roomID string, prevEventIDs []string) (api.StateMap, error) {
	if len(prevEventIDs) == 0 {
		return nil, nil // the create event
	}
	extremities, err := r.DB.GetForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sameIDSet(prevEventIDs, extremities) {
		return r.CurrentState(ctx, roomID)
	}

	states := make([]api.StateMap, 0, len(prevEventIDs))
	for _, prev := range prevEventIDs {
		st, err := r.stateAtEvent(ctx, roomID, prev)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return state.Resolve(states, state.EventLookup(r.eventLookup(ctx))), nil
}

// stateAtEvent reconstructs the room state as of eventID (inclusive) by
// walking the DAG backwards and replaying accepted state events in
// (depth, processed_ts, event_id) order. The walk is bounded by the
// configured conflict limit; pathological rooms degrade to the events
// reachable within the bound rather than stalling.
func (r *RoomserverInternalAPI) stateAtEvent(ctx context.Context, roomID, eventID string) (api.StateMap, error) {
	limit := r.Cfg.StateResolutionConflictLimit
	if limit <= 0 {
		limit = 500
	}

	visited := map[string]bool{}
	var ancestors []*api.Event
	frontier := []string{eventID}
	for len(frontier) > 0 && len(ancestors) < limit {
		events, err := r.DB.GetEvents(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, ev := range events {
			if visited[ev.EventID] {
				continue
			}
			visited[ev.EventID] = true
			ancestors = append(ancestors, ev)
			for _, prev := range ev.PrevEventIDs {
				if !visited[prev] {
					frontier = append(frontier, prev)
				}
			}
		}
	}

	sort.Slice(ancestors, func(i, j int) bool {
		a, b := ancestors[i], ancestors[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.ProcessedTS != b.ProcessedTS {
			return a.ProcessedTS < b.ProcessedTS
		}
		return a.EventID < b.EventID
	})

	st := api.StateMap{}
	for _, ev := range ancestors {
		if ev.IsState() && !ev.Rejected {
			st[api.StateKeyTuple{EventType: ev.EventType, StateKey: *ev.StateKey}] = ev.EventID
		}
	}
	return st, nil
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}
