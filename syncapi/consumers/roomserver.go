// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package consumers feeds the sync pipeline from the internal bus: room
// events from the room server, to-device notifications and key changes
// from the user API.
package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/jetstream"
	"github.com/matrixhs/homeserver/setup/process"
	"github.com/matrixhs/homeserver/syncapi/notifier"
	"github.com/matrixhs/homeserver/syncapi/storage"
	"github.com/matrixhs/homeserver/syncapi/types"
)

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        *storage.Database
	notifier  *notifier.Notifier
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call
// Start() to begin consuming from the room server.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store *storage.Database,
	notifier *notifier.Notifier,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomServerConsumer"),
		db:        store,
		notifier:  notifier,
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
		log.WithError(err).Error("Sync API: room server message parse failure")
		sentry.CaptureException(err)
		return true
	}

	switch output.Type {
	case rsapi.OutputTypeNewRoomEvent:
		return s.onNewRoomEvent(ctx, output.Event)
	case rsapi.OutputTypeRedactedEvent:
		if err := s.db.RedactEvent(ctx, output.RedactedEventID, output.RedactedContent); err != nil {
			log.WithError(err).WithField("event_id", output.RedactedEventID).Error("Sync API: failed to redact stored event")
			sentry.CaptureException(err)
			return false
		}
		return true
	default:
		return true
	}
}

func (s *OutputRoomEventConsumer) onNewRoomEvent(ctx context.Context, ev *rsapi.Event) bool {
	if ev == nil {
		return true
	}
	pos, err := s.db.WriteEvent(ctx, ev)
	if err != nil {
		log.WithError(err).WithField("event_id", ev.EventID).Error("Sync API: failed to store event")
		sentry.CaptureException(err)
		return false
	}
	if pos == 0 {
		// Duplicate delivery; nothing new to wake anyone for.
		return true
	}

	userIDs, err := s.db.JoinedUsersInRoom(ctx, ev.RoomID)
	if err != nil {
		log.WithError(err).WithField("room_id", ev.RoomID).Error("Sync API: failed to find room members")
		sentry.CaptureException(err)
		return false
	}
	// Invited users need waking too so the invite appears promptly.
	if ev.EventType == rsapi.MRoomMember && ev.StateKey != nil {
		userIDs = append(userIDs, *ev.StateKey)
	}
	s.notifier.OnNewEvent(types.StreamPosition(pos), userIDs)

	log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"room_id":    ev.RoomID,
		"stream_pos": pos,
	}).Debug("Sync API: stored room event")
	return true
}
