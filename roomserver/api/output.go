// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "encoding/json"

// OutputType is the kind of notification riding the OutputRoomEvent topic.
type OutputType string

const (
	// OutputTypeNewRoomEvent is a freshly persisted event, accepted into
	// the DAG (possibly rejected from state).
	OutputTypeNewRoomEvent OutputType = "new_room_event"
	// OutputTypeRedactedEvent announces that a previously sent event now
	// has stripped content, so downstream caches drop the original.
	OutputTypeRedactedEvent OutputType = "redacted_event"
)

// OutputEvent is the payload published to the internal bus for every
// persisted event; the sync pipeline and the federation sender are the
// consumers.
type OutputEvent struct {
	Type OutputType `json:"type"`

	Event *Event `json:"event"`

	// LatestStateDelta lists the (type, state_key) slots this event changed
	// in the room's forward state, empty for message events or rejected
	// events.
	LatestStateDelta []StateKeyTuple `json:"latest_state_delta,omitempty"`

	// RedactedEventID and RedactedContent accompany
	// OutputTypeRedactedEvent: the target event and the stripped content
	// read-side projections must replace theirs with.
	RedactedEventID string          `json:"redacted_event_id,omitempty"`
	RedactedContent json.RawMessage `json:"redacted_content,omitempty"`
}
