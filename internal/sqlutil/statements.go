// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
)

// StatementList is a declarative list of (destination, SQL) pairs prepared
// together by Prepare, so a storage table's constructor can list its
// statements once instead of repeating db.Prepare/err-check boilerplate per
// statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list against db, assigning each
// into its destination pointer, and returns the first preparation error so
// callers can write
// `return s, sqlutil.StatementList{...}.Prepare(db)`.
func (l StatementList) Prepare(db *sql.DB) error {
	for _, entry := range l {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return fmt.Errorf("sqlutil: prepare %q: %w", entry.SQL, err)
		}
		*entry.Statement = stmt
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, so call sites can
// share one prepared statement between ad-hoc calls and calls made inside
// an already-open transaction.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}
