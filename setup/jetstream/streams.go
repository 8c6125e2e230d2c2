// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Topic names for the internal bus. The room server publishes every
// persisted event to OutputRoomEvent; the user API publishes to-device
// deliveries and key-change notifications. The sync pipeline and the
// federation sender are the consumers.
const (
	OutputRoomEvent         = "OutputRoomEvent"
	OutputSendToDeviceEvent = "OutputSendToDeviceEvent"
	OutputKeyChangeEvent    = "OutputKeyChangeEvent"
	InputDeviceListUpdate   = "InputDeviceListUpdate"
)

// Header keys attached to bus messages so consumers can route without
// unmarshalling the payload.
const (
	UserID   = "user_id"
	RoomID   = "room_id"
	EventID  = "event_id"
	DeviceID = "device_id"
)

// streams enumerates every JetStream stream this server creates on startup.
// Retention is interest-based except for OutputKeyChangeEvent: once every
// durable consumer has acked a message it is dropped, since all state of
// record lives in SQL, not NATS. Key-change messages are instead kept for
// 24 hours under a limits policy.
var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputSendToDeviceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputKeyChangeEvent,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	},
	{
		Name:      InputDeviceListUpdate,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}

// StreamName prefixes a bare stream name the same way topics are prefixed,
// so two homeserver instances can share one JetStream domain.
func StreamName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s%s", prefix, name)
}
