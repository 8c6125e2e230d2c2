// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the federation sender's storage interfaces: the
// persisted per-destination queues and each destination's retry state.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// QueuedPDU is one persisted queue entry.
type QueuedPDU struct {
	NID         int64
	Destination spec.ServerName
	EventJSON   []byte
}

// Queue is the outbound PDU queue, FIFO per destination by insertion NID.
type Queue interface {
	InsertQueuePDU(ctx context.Context, txn *sql.Tx, destination spec.ServerName, eventJSON []byte) error
	SelectQueuePDUs(ctx context.Context, txn *sql.Tx, destination spec.ServerName, limit int) ([]QueuedPDU, error)
	DeleteQueuePDUs(ctx context.Context, txn *sql.Tx, destination spec.ServerName, nids []int64) error
	SelectQueuePDUCount(ctx context.Context, txn *sql.Tx, destination spec.ServerName) (int64, error)
	SelectQueueServerNames(ctx context.Context, txn *sql.Tx) ([]spec.ServerName, error)
}

// RetryState tracks each destination's consecutive failures and the
// instant its exponential backoff expires.
type RetryState interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}
