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
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/util"
	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/auth"
	"github.com/matrixhs/homeserver/roomserver/state"
)

// InputRoomEvent runs one event through the write path shared by local
// sends and federation input: authorize, persist, re-resolve
// forward state if the DAG forked, and fan out on the bus. keyLookup
// is nil for locally-built events and the federation keyring's lookup for
// received ones.
func (r *RoomserverInternalAPI) InputRoomEvent(
	ctx context.Context, ev *api.Event, keyLookup auth.VerifyKeyLookup,
) error {
	return r.Locks.WithLock(ev.RoomID, func() error {
		return r.inputRoomEventLocked(ctx, ev, keyLookup)
	})
}

func (r *RoomserverInternalAPI) inputRoomEventLocked(
	ctx context.Context, ev *api.Event, keyLookup auth.VerifyKeyLookup,
) error {
	ctx, region := internal.StartRegion(ctx, "InputRoomEvent")
	defer region.EndRegion()

	if existing, err := r.DB.GetEvent(ctx, ev.EventID); err == nil && existing != nil {
		// Already persisted; federation retransmits are normal.
		return nil
	}

	stateBefore, err := r.stateBeforeEvent(ctx, ev.RoomID, ev.PrevEventIDs)
	if err != nil {
		return fmt.Errorf("InputRoomEvent: state before %s: %w", ev.EventID, err)
	}

	verdict := auth.CheckEvent(ev, stateBefore, r.eventLookup(ctx), keyLookup)
	if !verdict.Allowed {
		// Federation events that fail authorization are persisted to keep
		// the DAG walkable, but marked rejected and excluded from state.
		// Locally-built events should never fail here; a failure means
		// the room service constructed something inconsistent.
		ev.Rejected = true
		log.WithFields(log.Fields{
			"event_id": ev.EventID,
			"room_id":  ev.RoomID,
			"reason":   verdict.Reason,
		}).Debug("Event failed authorization; persisting as rejected")
	}

	ev.ProcessedTS = spec.AsTimestamp(time.Now())
	if err := r.DB.PersistEvent(ctx, ev); err != nil {
		return fmt.Errorf("InputRoomEvent: persist %s: %w", ev.EventID, err)
	}

	var delta []api.StateKeyTuple
	if ev.IsState() && !ev.Rejected {
		delta = append(delta, api.StateKeyTuple{EventType: ev.EventType, StateKey: *ev.StateKey})
		if err := r.resolveForwardStateLocked(ctx, ev.RoomID); err != nil {
			return err
		}
		if err := r.applyRoomInfoDelta(ctx, ev); err != nil {
			return err
		}
	}

	if ev.EventType == api.MRoomRedaction && !ev.Rejected && ev.Redacts != "" {
		if err := r.applyRedaction(ctx, ev); err != nil {
			return err
		}
	}

	if r.Producer != nil {
		if err := r.Producer.ProduceRoomEvent(&api.OutputEvent{
			Type:             api.OutputTypeNewRoomEvent,
			Event:            ev,
			LatestStateDelta: delta,
		}); err != nil {
			return fmt.Errorf("InputRoomEvent: produce output: %w", err)
		}
	}
	return nil
}

// resolveForwardStateLocked recomputes the room's cached forward state
// when the DAG has more than one tip, by resolving the per-tip states.
// With a single tip the per-event update PersistEvent
// already made is authoritative.
func (r *RoomserverInternalAPI) resolveForwardStateLocked(ctx context.Context, roomID string) error {
	tips, err := r.DB.GetForwardExtremities(ctx, roomID)
	if err != nil {
		return err
	}
	if len(tips) <= 1 {
		return nil
	}
	states := make([]api.StateMap, 0, len(tips))
	for _, tip := range tips {
		st, err := r.stateAtEvent(ctx, roomID, tip)
		if err != nil {
			return err
		}
		states = append(states, st)
	}
	resolved := state.Resolve(states, state.EventLookup(r.eventLookup(ctx)))
	return r.DB.SetForwardState(ctx, roomID, resolved)
}

// applyRoomInfoDelta mirrors name/topic/alias/join-rule state events onto
// the room metadata row so lobby queries don't walk state.
func (r *RoomserverInternalAPI) applyRoomInfoDelta(ctx context.Context, ev *api.Event) error {
	if *ev.StateKey != "" {
		return nil
	}
	info, err := r.DB.GetRoomInfo(ctx, ev.RoomID)
	if err != nil || info == nil {
		return nil
	}
	changed := true
	switch ev.EventType {
	case api.MRoomName:
		var c struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(ev.Content, &c)
		info.Name = c.Name
	case api.MRoomTopic:
		var c struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(ev.Content, &c)
		info.Topic = c.Topic
	case api.MRoomCanonicalAlias:
		var c struct {
			Alias string `json:"alias"`
		}
		_ = json.Unmarshal(ev.Content, &c)
		info.CanonicalAlias = util.NormalizeRoomAlias(c.Alias)
	case api.MRoomJoinRules:
		var c api.JoinRulesContent
		_ = json.Unmarshal(ev.Content, &c)
		info.JoinRule = c.JoinRule
	case api.MRoomEncryption:
		var c struct {
			Algorithm string `json:"algorithm"`
		}
		_ = json.Unmarshal(ev.Content, &c)
		info.Encryption = c.Algorithm
	case api.MRoomHistoryVisibility:
		var c struct {
			HistoryVisibility string `json:"history_visibility"`
		}
		_ = json.Unmarshal(ev.Content, &c)
		info.HistoryVisibility = c.HistoryVisibility
	default:
		changed = false
	}
	if !changed {
		return nil
	}
	return r.DB.UpsertRoomInfo(ctx, info)
}

// applyRedaction strips the target's content down to what the redaction
// algorithm preserves and records the cause.
func (r *RoomserverInternalAPI) applyRedaction(ctx context.Context, redaction *api.Event) error {
	target, err := r.DB.GetEvent(ctx, redaction.Redacts)
	if err != nil || target == nil {
		// Redactions may arrive before their target over federation; the
		// target will be stripped when it arrives if we kept the redaction,
		// which we did (it is in the DAG).
		return nil
	}
	stripped := redactContent(target.EventType, target.Content)
	if err := r.DB.Redact(ctx, target.EventID, redaction.EventID, stripped); err != nil {
		return err
	}
	if r.Producer != nil {
		return r.Producer.ProduceRoomEvent(&api.OutputEvent{
			Type:            api.OutputTypeRedactedEvent,
			Event:           redaction,
			RedactedEventID: target.EventID,
			RedactedContent: stripped,
		})
	}
	return nil
}

// redactContent returns the subset of content the room version's redaction
// rules preserve for the event type; everything else is dropped so the
// original text can never be served again.
func redactContent(eventType string, content json.RawMessage) []byte {
	preserved := map[string]bool{}
	switch eventType {
	case api.MRoomMember:
		preserved["membership"] = true
	case api.MRoomCreate:
		preserved["creator"] = true
		preserved["room_version"] = true
	case api.MRoomJoinRules:
		preserved["join_rule"] = true
	case api.MRoomPowerLevels:
		for _, k := range []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"} {
			preserved[k] = true
		}
	case api.MRoomHistoryVisibility:
		preserved["history_visibility"] = true
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(content, &parsed); err != nil {
		return []byte("{}")
	}
	kept := map[string]json.RawMessage{}
	for k, v := range parsed {
		if preserved[k] {
			kept[k] = v
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return []byte("{}")
	}
	return out
}
