// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UpAccountGeneration adds the generation counter to accounts created
// before password-change invalidation tracked a per-account generation.
// CREATE TABLE IF NOT EXISTS can't retrofit a column, so this runs as a
// migration on already-initialized databases.
func UpAccountGeneration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"ALTER TABLE userapi_accounts ADD COLUMN generation BIGINT NOT NULL DEFAULT 0")
	if err != nil && strings.Contains(err.Error(), "duplicate column name") {
		// Fresh databases already have the column from the schema.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
