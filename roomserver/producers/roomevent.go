// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package producers publishes the room server's persisted events onto the
// internal bus for the sync pipeline and federation sender to consume.
package producers

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/roomserver/api"
	"github.com/matrixhs/homeserver/setup/jetstream"
)

// JetStreamPublisher is the one nats.JetStreamContext method the producer
// needs; narrowed so tests can stub it.
type JetStreamPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RoomEventProducer emits one bus message per persisted event, keyed by
// room so sync waiters can subscribe precisely.
type RoomEventProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

func (p *RoomEventProducer) ProduceRoomEvent(output *api.OutputEvent) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.RoomID, output.Event.RoomID)
	msg.Header.Set(jetstream.EventID, output.Event.EventID)
	msg.Header.Set("type", string(output.Type))
	msg.Data = payload
	if _, err = p.JetStream.PublishMsg(msg); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"room_id":  output.Event.RoomID,
		"event_id": output.Event.EventID,
	}).Tracef("Produced event to topic %q", p.Topic)
	return nil
}
