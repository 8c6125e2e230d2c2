// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldReplaceRoomKeyKeepsEarliestIndex(t *testing.T) {
	stored := &KeyBackupSession{FirstMessageIndex: 5}

	assert.True(t, stored.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 3}),
		"a lower first_message_index is better evidence and must replace")
	assert.False(t, stored.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 7}),
		"a higher first_message_index must not replace the stored key")
}

func TestShouldReplaceRoomKeyPrefersVerified(t *testing.T) {
	stored := &KeyBackupSession{FirstMessageIndex: 2, IsVerified: false}
	assert.True(t, stored.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 9, IsVerified: true}))

	verified := &KeyBackupSession{FirstMessageIndex: 2, IsVerified: true}
	assert.False(t, verified.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 0, IsVerified: false}))
}

func TestShouldReplaceRoomKeyBreaksTiesOnForwardedCount(t *testing.T) {
	stored := &KeyBackupSession{FirstMessageIndex: 4, ForwardedCount: 2}
	assert.True(t, stored.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 4, ForwardedCount: 1}))
	assert.False(t, stored.ShouldReplaceRoomKey(&KeyBackupSession{FirstMessageIndex: 4, ForwardedCount: 2}))
}
