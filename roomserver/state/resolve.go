// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the room server's state resolution algorithm
// : given the possibly-divergent state at several forward tips,
// compute the single authoritative state a new event should be built and
// authorized against.
package state

import (
	"sort"

	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/auth"
)

// EventLookup resolves an event_id to its parsed event. Resolve needs it
// both to read auth_event_ids/content for the algorithm itself and to
// hand to roomserver/auth.CheckEvent during reauthorization.
type EventLookup func(eventID string) (*api.Event, bool)

// Resolve computes the single state implied by states, the StateMaps at
// each of a room's current forward-extremity events.
// A single-element states slice (the common case of one forward tip)
// short-circuits to that tip's state.
func Resolve(states []api.StateMap, lookup EventLookup) api.StateMap {
	if len(states) == 0 {
		return api.StateMap{}
	}
	if len(states) == 1 {
		return states[0].Clone()
	}

	unconflicted, conflictedIDs := partition(states)
	fullConflicted := withAuthChain(conflictedIDs, lookup)

	powerEvents, otherEvents := splitPowerEvents(fullConflicted, lookup)
	sortedPower := topoSortByAuthChain(powerEvents, lookup)

	acc := unconflicted.Clone()
	for _, eventID := range sortedPower {
		applyIfAuthorized(acc, eventID, lookup)
	}

	sortedOther := mainlineSort(otherEvents, sortedPower, lookup)
	for _, eventID := range sortedOther {
		applyIfAuthorized(acc, eventID, lookup)
	}

	return acc
}

// partition splits the per-tip states into the unconflicted state (same
// event_id at every tip) and the flattened set of conflicting event IDs.
func partition(states []api.StateMap) (unconflicted api.StateMap, conflicted map[string]bool) {
	unconflicted = api.StateMap{}
	conflicted = map[string]bool{}

	allKeys := map[api.StateKeyTuple]bool{}
	for _, s := range states {
		for k := range s {
			allKeys[k] = true
		}
	}

	for key := range allKeys {
		first, firstOK := states[0][key]
		agree := firstOK
		for _, s := range states[1:] {
			v, ok := s[key]
			if !ok || v != first {
				agree = false
			}
		}
		if agree {
			unconflicted[key] = first
			continue
		}
		for _, s := range states {
			if v, ok := s[key]; ok {
				conflicted[v] = true
			}
		}
	}
	return unconflicted, conflicted
}

// withAuthChain returns conflictedIDs unioned with the transitive closure
// of their auth_event_ids. Events not found via lookup are skipped; an
// incomplete local event set degrades resolution quality rather than
// failing outright, since federation is inherently partial.
func withAuthChain(conflictedIDs map[string]bool, lookup EventLookup) map[string]bool {
	full := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if full[id] {
			return
		}
		full[id] = true
		ev, ok := lookup(id)
		if !ok {
			return
		}
		for _, authID := range ev.AuthEventIDs {
			walk(authID)
		}
	}
	for id := range conflictedIDs {
		walk(id)
	}
	return full
}

func isPowerEventType(ev *api.Event) bool {
	switch ev.EventType {
	case api.MRoomCreate, api.MRoomPowerLevels, api.MRoomJoinRules:
		return true
	case api.MRoomMember:
		// Membership events are never treated as power events here,
		// including invites, bans and kicks of other users; they are
		// ordered by the mainline sort with the other non-power events.
		return false
	default:
		return false
	}
}

func splitPowerEvents(fullConflicted map[string]bool, lookup EventLookup) (power, other []string) {
	for id := range fullConflicted {
		ev, ok := lookup(id)
		if !ok {
			other = append(other, id)
			continue
		}
		if isPowerEventType(ev) {
			power = append(power, id)
		} else {
			other = append(other, id)
		}
	}
	return power, other
}

// topoSortByAuthChain orders ids so that every event appears after the
// events in its own auth_event_ids that are also in ids, breaking ties by
// (-depth, processed_ts, event_id).
func topoSortByAuthChain(ids []string, lookup EventLookup) []string {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	visited := map[string]bool{}
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		ev, ok := lookup(id)
		if ok {
			deps := make([]string, 0, len(ev.AuthEventIDs))
			for _, a := range ev.AuthEventIDs {
				if inSet[a] {
					deps = append(deps, a)
				}
			}
			sort.Slice(deps, func(i, j int) bool { return lessByTiebreak(deps[i], deps[j], lookup) })
			for _, dep := range deps {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return lessByTiebreak(sorted[i], sorted[j], lookup) })
	for _, id := range sorted {
		visit(id)
	}
	return order
}

func lessByTiebreak(a, b string, lookup EventLookup) bool {
	evA, okA := lookup(a)
	evB, okB := lookup(b)
	if !okA || !okB {
		return a < b
	}
	if evA.Depth != evB.Depth {
		return evA.Depth > evB.Depth // -depth: larger depth sorts first
	}
	if evA.ProcessedTS != evB.ProcessedTS {
		return evA.ProcessedTS < evB.ProcessedTS
	}
	return a < b
}

// applyIfAuthorized re-runs authorization for eventID against acc and,
// if allowed, writes its (type, state_key) into acc.
// Denied events are dropped, never entering the resolved state.
func applyIfAuthorized(acc api.StateMap, eventID string, lookup EventLookup) {
	ev, ok := lookup(eventID)
	if !ok || !ev.IsState() {
		return
	}
	verdict := auth.CheckEvent(ev, acc, func(id string) (*api.Event, bool) { return lookup(id) }, nil)
	if !verdict.Allowed {
		return
	}
	acc[api.StateKeyTuple{EventType: ev.EventType, StateKey: *ev.StateKey}] = eventID
}

// mainlineSort orders the non-power conflicted events by their distance
// from the most recent m.room.power_levels event along the auth chain.
// PowerEventOrder is the
// already-resolved chain of power events, most recent last; an event's
// mainline position is the index of the nearest power_levels event it (or
// one of its ancestors) cites in auth_event_ids.
func mainlineSort(ids []string, powerEventOrder []string, lookup EventLookup) []string {
	mainlinePos := make(map[string]int, len(powerEventOrder))
	for i, id := range powerEventOrder {
		if ev, ok := lookup(id); ok && ev.EventType == api.MRoomPowerLevels {
			mainlinePos[id] = i
		}
	}

	distance := func(id string) int {
		visited := map[string]bool{}
		var walk func(string) int
		walk = func(cur string) int {
			if pos, ok := mainlinePos[cur]; ok {
				return pos
			}
			if visited[cur] {
				return -1
			}
			visited[cur] = true
			ev, ok := lookup(cur)
			if !ok {
				return -1
			}
			best := -1
			for _, a := range ev.AuthEventIDs {
				if d := walk(a); d > best {
					best = d
				}
			}
			return best
		}
		return walk(id)
	}

	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		di, dj := distance(sorted[i]), distance(sorted[j])
		if di != dj {
			return di > dj
		}
		return lessByTiebreak(sorted[i], sorted[j], lookup)
	})
	return sorted
}
