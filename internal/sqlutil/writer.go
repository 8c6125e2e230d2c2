// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
)

// Writer serialises database writes so callers don't need to care whether
// the underlying engine can handle concurrent writers. SQLite (the only
// engine this module ships, see DESIGN.md "Storage engine choice") cannot:
// a second writer blocks on SQLITE_BUSY until the first's transaction
// commits, so every write goes through ExclusiveWriter's single goroutine
// instead of racing on driver-level locks.
type Writer interface {
	// Do runs fn, optionally inside txn if one is already open, and returns
	// its error. If txn is nil, Do opens its own transaction on db, scoped
	// to the lifetime of fn, and commits or rolls back based on fn's error.
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// ExclusiveWriter implements Writer by handing every write to one goroutine,
// so at most one transaction is ever open against db at a time.
type ExclusiveWriter struct {
	queue chan transactionWriteRequest
}

type transactionWriteRequest struct {
	db     *sql.DB
	fn     func(txn *sql.Tx) error
	result chan error
}

// NewExclusiveWriter starts the writer's background goroutine. Callers must
// keep a reference to the returned Writer for the lifetime of the database
// connection; there is no Close, as the goroutine exits with the process.
func NewExclusiveWriter() Writer {
	w := &ExclusiveWriter{
		queue: make(chan transactionWriteRequest),
	}
	go w.run()
	return w
}

func (w *ExclusiveWriter) run() {
	for req := range w.queue {
		req.result <- WithTransaction(req.db, req.fn)
	}
}

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		// Already inside a transaction opened by an outer Do call (or by a
		// caller that manages its own txn); run fn directly rather than
		// queueing a second transaction on top of it.
		return fn(txn)
	}
	if db == nil {
		return fn(nil)
	}
	req := transactionWriteRequest{
		db:     db,
		fn:     fn,
		result: make(chan error, 1),
	}
	w.queue <- req
	return <-req.result
}

// WithTransaction runs fn inside a new transaction on db, committing on a
// nil return and rolling back otherwise. A panic inside fn is converted to
// a rollback and re-raised.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			panic(r)
		} else if err != nil {
			_ = txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	err = fn(txn)
	return
}
