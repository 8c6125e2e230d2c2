// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package blob declares the media blob store contract. Media upload and
// thumbnailing are out of scope for this server; the
// interface exists so an external media component can be plugged in
// without this module depending on its storage choices.
package blob

import (
	"context"
	"io"
)

// Store persists opaque media blobs by content ID. Implementations own
// deduplication and on-disk layout; callers treat IDs as opaque.
type Store interface {
	// Put streams a blob in and returns its content ID. maxSize bounds
	// the accepted length; exceeding it aborts the write.
	Put(ctx context.Context, r io.Reader, maxSize int64) (contentID string, size int64, err error)
	// Get streams a stored blob; the caller closes the reader.
	Get(ctx context.Context, contentID string) (io.ReadCloser, error)
	Delete(ctx context.Context, contentID string) error
}
