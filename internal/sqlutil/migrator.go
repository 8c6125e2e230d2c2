// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a named, idempotent schema change applied after a table's
// CREATE TABLE IF NOT EXISTS, for changes that statement can't express
// (ALTER TABLE ADD COLUMN, backfills). Down is currently unused by any
// caller but kept for parity with the teacher's migration shape.
type Migration struct {
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
	Down    func(ctx context.Context, tx *sql.Tx) error
}

// Migrator applies a table's Migrations in order, recording applied
// versions in sqlutil_migrations so each only ever runs once.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Up runs every migration not yet recorded as applied, each in its own
// transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sqlutil_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`); err != nil {
		return fmt.Errorf("sqlutil.Migrator: create migrations table: %w", err)
	}

	for _, mig := range m.migrations {
		var applied int
		err := m.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlutil_migrations WHERE version = $1", mig.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("sqlutil.Migrator: check %q: %w", mig.Version, err)
		}
		if applied > 0 {
			continue
		}
		if err := WithTransaction(m.db, func(txn *sql.Tx) error {
			if err := mig.Up(ctx, txn); err != nil {
				return err
			}
			_, err := txn.ExecContext(ctx,
				"INSERT INTO sqlutil_migrations (version) VALUES ($1)", mig.Version)
			return err
		}); err != nil {
			return fmt.Errorf("sqlutil.Migrator: apply %q: %w", mig.Version, err)
		}
	}
	return nil
}
