// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/userapi/api"
)

// PerformSendToDevice queues messages for the target devices and wakes
// their sync streams. A device ID of "*" fans out to every
// registered device of the user.
func (a *UserInternalAPI) PerformSendToDevice(
	ctx context.Context, sender, messageType string, messages map[string]map[string]json.RawMessage,
) error {
	for userID, byDevice := range messages {
		parsed, err := spec.NewUserID(userID, true)
		if err != nil {
			log.WithField("user_id", userID).Warn("Dropping to-device message for malformed user ID")
			continue
		}
		for deviceID, content := range byDevice {
			targets := []string{deviceID}
			if deviceID == "*" {
				devices, err := a.DB.GetDevices(ctx, parsed.Local(), parsed.Domain())
				if err != nil {
					return err
				}
				targets = targets[:0]
				for _, dev := range devices {
					targets = append(targets, dev.ID)
				}
			}
			for _, target := range targets {
				pos, err := a.DB.StoreToDeviceMessage(ctx, userID, target, sender, messageType, content)
				if err != nil {
					return err
				}
				if a.SendToDeviceProducer != nil {
					if err := a.SendToDeviceProducer.ProduceSendToDevice(userID, target, pos); err != nil {
						log.WithError(err).WithFields(log.Fields{
							"user_id":   userID,
							"device_id": target,
						}).Error("Failed to publish to-device notification")
					}
				}
			}
		}
	}
	return nil
}

// QueryToDeviceMessages returns the queued messages for a device in
// (from, to], plus the position the sync token should advance to.
func (a *UserInternalAPI) QueryToDeviceMessages(
	ctx context.Context, userID, deviceID string, from, to int64,
) ([]api.ToDeviceEvent, int64, error) {
	return a.DB.ToDeviceMessages(ctx, userID, deviceID, from, to)
}

// PerformToDeviceAck deletes messages the client has acknowledged by
// advancing its sync token past them.
func (a *UserInternalAPI) PerformToDeviceAck(ctx context.Context, userID, deviceID string, pos int64) error {
	return a.DB.AckToDeviceMessages(ctx, userID, deviceID, pos)
}
