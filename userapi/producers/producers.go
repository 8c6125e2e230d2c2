// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package producers publishes the user API's output onto the internal bus:
// key changes for peer re-verification and to-device
// deliveries for the sync pipeline.
package producers

import (
	"encoding/json"
	"strconv"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/setup/jetstream"
)

// JetStreamPublisher is the one nats.JetStreamContext method producers
// need; narrowed so tests can stub it.
type JetStreamPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// KeyChange publishes "user X's keys changed at offset N" notifications.
type KeyChange struct {
	Topic     string
	JetStream JetStreamPublisher
}

// ProduceKeyChange tells the bus that userID's device or cross-signing
// keys changed at the given stream offset.
func (p *KeyChange) ProduceKeyChange(userID string, offset int64) error {
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.UserID, userID)
	msg.Header.Set("offset", strconv.FormatInt(offset, 10))
	if _, err := p.JetStream.PublishMsg(msg); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"offset":  offset,
	}).Tracef("Produced key change to topic %q", p.Topic)
	return nil
}

// SendToDevice wakes the sync pipeline when a to-device message lands for
// a (user, device) pair.
type SendToDevice struct {
	Topic     string
	JetStream JetStreamPublisher
}

// ToDeviceNotification is the bus payload for one queued to-device
// message; the message body itself stays in SQL, only the position rides
// the bus.
type ToDeviceNotification struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Position int64  `json:"position"`
}

func (p *SendToDevice) ProduceSendToDevice(userID, deviceID string, position int64) error {
	payload, err := json.Marshal(ToDeviceNotification{
		UserID:   userID,
		DeviceID: deviceID,
		Position: position,
	})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.UserID, userID)
	msg.Header.Set(jetstream.DeviceID, deviceID)
	msg.Data = payload
	_, err = p.JetStream.PublishMsg(msg)
	return err
}
