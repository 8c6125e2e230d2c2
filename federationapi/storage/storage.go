// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists the federation sender's outbound queues and
// per-destination retry state, so in-flight traffic survives a process
// restart.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/federationapi/storage/sqlite3"
	"github.com/matrixhs/homeserver/federationapi/storage/tables"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/setup/config"
)

type Database struct {
	db         *sql.DB
	writer     sqlutil.Writer
	queue      tables.Queue
	retryState tables.RetryState
}

func Open(cfg *config.Database) (*Database, error) {
	db, err := sqlutil.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("federationapi/storage.Open: %w", err)
	}
	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateQueueTable,
		sqlite3.CreateRetryStateTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("federationapi/storage.Open: %w", err)
		}
	}
	d := &Database{db: db, writer: sqlutil.NewExclusiveWriter()}
	if d.queue, err = sqlite3.PrepareQueueTable(db); err != nil {
		return nil, err
	}
	if d.retryState, err = sqlite3.PrepareRetryStateTable(db); err != nil {
		return nil, err
	}
	return d, nil
}

// EnqueuePDU appends an event to a destination's persisted queue.
func (d *Database) EnqueuePDU(ctx context.Context, destination spec.ServerName, eventJSON []byte) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.queue.InsertQueuePDU(ctx, txn, destination, eventJSON)
	})
}

// NextPDUs returns up to limit queued events for a destination in FIFO
// order.
func (d *Database) NextPDUs(ctx context.Context, destination spec.ServerName, limit int) ([]tables.QueuedPDU, error) {
	return d.queue.SelectQueuePDUs(ctx, nil, destination, limit)
}

// RemovePDUs deletes successfully delivered (or permanently failed)
// entries from a destination's queue.
func (d *Database) RemovePDUs(ctx context.Context, destination spec.ServerName, nids []int64) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.queue.DeleteQueuePDUs(ctx, txn, destination, nids)
	})
}

// QueueDepth reports how many events are waiting for a destination,
// feeding the backpressure high-water check.
func (d *Database) QueueDepth(ctx context.Context, destination spec.ServerName) (int64, error) {
	return d.queue.SelectQueuePDUCount(ctx, nil, destination)
}

// PendingDestinations lists every destination with queued traffic, used to
// resume sending after a restart.
func (d *Database) PendingDestinations(ctx context.Context) ([]spec.ServerName, error) {
	return d.queue.SelectQueueServerNames(ctx, nil)
}

func (d *Database) SetRetryState(ctx context.Context, destination spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.retryState.UpsertRetryState(ctx, txn, destination, failureCount, retryUntil)
	})
}

func (d *Database) GetRetryState(ctx context.Context, destination spec.ServerName) (uint32, spec.Timestamp, bool, error) {
	return d.retryState.SelectRetryState(ctx, nil, destination)
}

func (d *Database) ClearRetryState(ctx context.Context, destination spec.ServerName) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.retryState.DeleteRetryState(ctx, txn, destination)
	})
}
