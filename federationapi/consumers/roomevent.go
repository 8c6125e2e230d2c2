// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package consumers subscribes the federation sender to the room server's
// output stream: every locally persisted event is fanned out to the
// destination queues of every remote server with a user in the room.
package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/federationapi/queue"
	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/roomserver/storage"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/jetstream"
	"github.com/matrixhs/homeserver/setup/process"
)

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	queues    *queue.OutgoingQueues
	rsDB      *storage.Database
	origin    spec.ServerName
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call
// Start() to begin consuming from the room server.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.FederationAPI,
	js nats.JetStreamContext,
	queues *queue.OutgoingQueues,
	rsDB *storage.Database,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("FederationAPIRoomServerConsumer"),
		queues:    queues,
		rsDB:      rsDB,
		origin:    cfg.Matrix.ServerName,
	}
}

// Start consuming room events.
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output rsapi.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("Federation sender: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if output.Type != rsapi.OutputTypeNewRoomEvent || output.Event == nil {
		return true
	}
	ev := output.Event

	// Only fan out events this server originated; events received over
	// federation are already known to their origin's peers.
	if ev.OriginServerName != s.origin {
		return true
	}

	destinations, err := s.remoteServers(ctx, ev.RoomID)
	if err != nil {
		log.WithError(err).WithField("room_id", ev.RoomID).Error("Federation sender: failed to resolve destinations")
		sentry.CaptureException(err)
		return false
	}
	if len(destinations) == 0 {
		return true
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("Federation sender: failed to marshal event")
		return true
	}
	s.queues.SendEvent(ctx, eventJSON, destinations)

	log.WithFields(log.Fields{
		"event_id":     ev.EventID,
		"room_id":      ev.RoomID,
		"destinations": len(destinations),
	}).Debug("Federation sender: enqueued event")
	return true
}

// remoteServers returns the set of remote homeservers with at least one
// joined or invited user in the room.
func (s *OutputRoomEventConsumer) remoteServers(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	memberships, err := s.rsDB.GetRoomMemberships(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seen := map[spec.ServerName]bool{}
	var out []spec.ServerName
	for _, membership := range memberships {
		if membership.Membership != rsapi.MembershipJoin && membership.Membership != rsapi.MembershipInvite {
			continue
		}
		userID, err := spec.NewUserID(membership.UserID, true)
		if err != nil {
			continue
		}
		domain := userID.Domain()
		if domain == s.origin || seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, domain)
	}
	return out, nil
}
