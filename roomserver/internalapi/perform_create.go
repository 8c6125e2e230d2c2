// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/roomserver/api"
)

// supportedRoomVersions is the semver-style constraint on room versions
// this server can participate in; createRoom requests outside it are
// rejected rather than silently downgraded.
var supportedRoomVersions = semver.MustParse("6.0.0")

func roomVersionSupported(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return !v.LessThan(supportedRoomVersions)
}

// CreateRoomRequest is the parsed intent behind POST /createRoom.
type CreateRoomRequest struct {
	CreatorUserID string
	RoomVersion   string
	Preset        string // "private_chat", "public_chat", "trusted_private_chat"
	Name          string
	Topic         string
	Visibility    string // "public" listed in the directory, else private
	Invites       []string
	InitialState  []InitialStateEvent
	IsEncrypted   bool
}

type InitialStateEvent struct {
	EventType string          `json:"type"`
	StateKey  string          `json:"state_key"`
	Content   json.RawMessage `json:"content"`
}

// PerformCreateRoom mints the room and its genesis state events in order:
// create, the creator's join, power levels, join rules, then any name,
// topic, initial state, and invites.
func (r *RoomserverInternalAPI) PerformCreateRoom(
	ctx context.Context, req *CreateRoomRequest,
) (roomID string, err error) {
	version := req.RoomVersion
	if version == "" {
		version = r.Cfg.DefaultRoomVersion
	}
	if !roomVersionSupported(version) {
		return "", apierrors.BadRequest(fmt.Sprintf("Unsupported room version %q", version))
	}

	roomID = fmt.Sprintf("!%s:%s", randomRoomLocalpart(), r.ServerName)

	joinRule := api.JoinRuleInvite
	isPublic := false
	if req.Preset == "public_chat" || req.Visibility == "public" {
		joinRule = api.JoinRulePublic
		isPublic = true
	}

	err = r.Locks.WithLock(roomID, func() error {
		if err := r.DB.UpsertRoomInfo(ctx, &api.RoomInfo{
			RoomID:            roomID,
			CreatorUserID:     req.CreatorUserID,
			RoomVersion:       version,
			JoinRule:          joinRule,
			HistoryVisibility: "shared",
			IsPublic:          isPublic,
			Name:              req.Name,
			Topic:             req.Topic,
			CreationTS:        spec.AsTimestamp(time.Now()),
		}); err != nil {
			return err
		}

		emptyKey := ""
		type genesisEvent struct {
			eventType string
			stateKey  string
			content   interface{}
		}
		events := []genesisEvent{
			{api.MRoomCreate, emptyKey, map[string]interface{}{
				"creator":      req.CreatorUserID,
				"room_version": version,
			}},
			{api.MRoomMember, req.CreatorUserID, api.MemberContent{Membership: api.MembershipJoin}},
			{api.MRoomPowerLevels, emptyKey, api.DefaultPowerLevelsContent(req.CreatorUserID)},
			{api.MRoomJoinRules, emptyKey, api.JoinRulesContent{JoinRule: joinRule}},
		}
		if req.Name != "" {
			events = append(events, genesisEvent{api.MRoomName, emptyKey, map[string]string{"name": req.Name}})
		}
		if req.Topic != "" {
			events = append(events, genesisEvent{api.MRoomTopic, emptyKey, map[string]string{"topic": req.Topic}})
		}
		if req.IsEncrypted {
			events = append(events, genesisEvent{api.MRoomEncryption, emptyKey, map[string]string{
				"algorithm": "m.megolm.v1.aes-sha2",
			}})
		}
		for _, initial := range req.InitialState {
			events = append(events, genesisEvent{initial.EventType, initial.StateKey, initial.Content})
		}
		for _, invitee := range req.Invites {
			events = append(events, genesisEvent{api.MRoomMember, invitee, api.MemberContent{Membership: api.MembershipInvite}})
		}

		for _, genesis := range events {
			content, err := json.Marshal(genesis.content)
			if err != nil {
				return err
			}
			stateKey := genesis.stateKey
			ev, err := r.buildEvent(ctx, roomID, req.CreatorUserID, genesis.eventType, &stateKey, content, "")
			if err != nil {
				return err
			}
			if err := r.inputRoomEventLocked(ctx, ev, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// randomRoomLocalpart generates the opaque part of a room ID.
func randomRoomLocalpart() string {
	raw := make([]byte, 10)
	_, _ = rand.Read(raw)
	return strings.ToLower(strings.TrimRight(base32.StdEncoding.EncodeToString(raw), "="))
}
