// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite3" driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrixhs/homeserver/setup/config"
)

// Open opens a SQLite connection pool per cfg and sets the pragmas this
// module relies on: foreign key enforcement (the storage layer leans on
// FK cascade for room/event cleanup) and WAL journalling so readers aren't
// blocked behind the ExclusiveWriter's in-flight transaction.
func Open(cfg *config.Database) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("sqlutil.Open: %s: %w", pragma, err)
		}
	}
	return db, nil
}
