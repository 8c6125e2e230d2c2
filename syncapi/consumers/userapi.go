// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/jetstream"
	"github.com/matrixhs/homeserver/setup/process"
	"github.com/matrixhs/homeserver/syncapi/notifier"
	"github.com/matrixhs/homeserver/syncapi/storage"
	"github.com/matrixhs/homeserver/syncapi/types"
	"github.com/matrixhs/homeserver/userapi/producers"
)

// OutputSendToDeviceEventConsumer wakes a device's sync when a to-device
// message is queued for it.
type OutputSendToDeviceEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	notifier  *notifier.Notifier
}

func NewOutputSendToDeviceEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	notifier *notifier.Notifier,
) *OutputSendToDeviceEventConsumer {
	return &OutputSendToDeviceEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPISendToDeviceConsumer"),
		notifier:  notifier,
	}
}

func (s *OutputSendToDeviceEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputSendToDeviceEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var notification producers.ToDeviceNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.WithError(err).Error("Sync API: to-device message parse failure")
		sentry.CaptureException(err)
		return true
	}
	s.notifier.OnNewSendToDevice(
		types.StreamPosition(notification.Position),
		notification.UserID,
		notification.DeviceID,
	)
	return true
}

// OutputKeyChangeEventConsumer advances the device-list stream and wakes
// the users who need to re-verify the changed user's devices.
type OutputKeyChangeEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        *storage.Database
	notifier  *notifier.Notifier
}

func NewOutputKeyChangeEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store *storage.Database,
	notifier *notifier.Notifier,
) *OutputKeyChangeEventConsumer {
	return &OutputKeyChangeEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIKeyChangeConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputKeyChangeEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputKeyChangeEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	offset, err := strconv.ParseInt(msg.Header.Get("offset"), 10, 64)
	if err != nil {
		log.WithError(err).Error("Sync API: key change message parse failure")
		sentry.CaptureException(err)
		return true
	}

	// Wake the changed user and everyone sharing a room with them.
	wake := map[string]bool{userID: true}
	rooms, err := s.db.RoomIDsWithMembership(ctx, userID, "join")
	if err != nil {
		log.WithError(err).Error("Sync API: failed to resolve key-change rooms")
		sentry.CaptureException(err)
		return false
	}
	for _, roomID := range rooms {
		members, err := s.db.JoinedUsersInRoom(ctx, roomID)
		if err != nil {
			continue
		}
		for _, member := range members {
			wake[member] = true
		}
	}
	userIDs := make([]string, 0, len(wake))
	for id := range wake {
		userIDs = append(userIDs, id)
	}
	s.notifier.OnNewKeyChange(types.StreamPosition(offset), userIDs)
	return true
}
