// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyArgon2id(t *testing.T) {
	encoded, err := Hash("p@ssw0rd!", DefaultParams())
	require.NoError(t, err)

	ok, upgrade, err := Verify("p@ssw0rd!", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, upgrade)

	ok, _, err = Verify("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLegacyHashVerifiesAndFlagsUpgrade(t *testing.T) {
	encoded, err := NewLegacyHash("hunter2")
	require.NoError(t, err)

	ok, upgrade, err := Verify("hunter2", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, upgrade)

	ok, _, err = Verify("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsUnknownScheme(t *testing.T) {
	_, _, err := Verify("x", "$bcrypt$nonsense")
	assert.Error(t, err)
}
