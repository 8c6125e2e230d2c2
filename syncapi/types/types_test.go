// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingTokenRoundTrip(t *testing.T) {
	tok := StreamingToken{PDUPosition: 42, ToDevicePosition: 7, DeviceListPosition: 3}
	parsed, err := NewStreamTokenFromString(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
}

func TestStreamingTokenRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "42_7_3", "s42_7", "s42_x_3", "sa_b_c", "s-1_0_0"} {
		_, err := NewStreamTokenFromString(bad)
		assert.Error(t, err, "token %q should be rejected", bad)
	}
}

func TestStreamingTokenIsAfter(t *testing.T) {
	base := StreamingToken{PDUPosition: 10, ToDevicePosition: 5, DeviceListPosition: 2}
	assert.False(t, base.IsAfter(base))
	assert.True(t, StreamingToken{PDUPosition: 11, ToDevicePosition: 5, DeviceListPosition: 2}.IsAfter(base))
	assert.True(t, StreamingToken{PDUPosition: 10, ToDevicePosition: 6, DeviceListPosition: 2}.IsAfter(base))
	assert.False(t, StreamingToken{PDUPosition: 9, ToDevicePosition: 5, DeviceListPosition: 2}.IsAfter(base))
}

// next_batch must never move backwards even if one component's stream is
// behind the client's since token.
func TestApplyUpdatesIsMonotonic(t *testing.T) {
	since := StreamingToken{PDUPosition: 10, ToDevicePosition: 5, DeviceListPosition: 2}
	next := since.ApplyUpdates(StreamingToken{PDUPosition: 8, ToDevicePosition: 9, DeviceListPosition: 1})
	assert.Equal(t, StreamingToken{PDUPosition: 10, ToDevicePosition: 9, DeviceListPosition: 2}, next)
	assert.False(t, since.IsAfter(next))
}
