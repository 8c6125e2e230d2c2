// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the wire shapes of the federation transport:
// transactions, their PDU/EDU payloads, and the per-PDU result map.
package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnID}.
// A batch of room events plus ephemeral messages.
type Transaction struct {
	TxnID          string            `json:"-"`
	Origin         spec.ServerName   `json:"origin"`
	Destination    spec.ServerName   `json:"-"`
	OriginServerTS spec.Timestamp    `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []EDU             `json:"edus,omitempty"`
}

// EDU is an ephemeral data unit: presence, typing, receipts, to-device —
// not part of any room DAG.
type EDU struct {
	Type    string          `json:"edu_type"`
	Origin  string          `json:"origin,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Well-known EDU types this server processes.
const (
	EDUTypeDirectToDevice   = "m.direct_to_device"
	EDUTypeDeviceListUpdate = "m.device_list_update"
	EDUTypeTyping           = "m.typing"
	EDUTypeReceipt          = "m.receipt"
)

// PDUResult is the per-event outcome inside a transaction response; an
// empty Error means the event was accepted.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// RespSend is the response body of /send/{txnID}.
type RespSend struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// ToDeviceMessage is the content of an m.direct_to_device EDU.
type ToDeviceMessage struct {
	Sender    string                                `json:"sender"`
	Type      string                                `json:"type"`
	MessageID string                                `json:"message_id"`
	Messages  map[string]map[string]json.RawMessage `json:"messages"`
}
