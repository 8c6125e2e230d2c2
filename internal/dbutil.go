// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes c (typically *sql.Rows deferred right after a
// successful query) and logs rather than returns any error, since by the
// time it's called the caller has usually already returned its real result.
func CloseAndLogIfError(ctx context.Context, c io.Closer, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.WithContext(ctx).WithError(err).Warn(message)
	}
}
