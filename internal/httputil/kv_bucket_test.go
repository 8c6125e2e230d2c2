// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/internal/kv"
)

func newTestBucket(t *testing.T, tokensPerSecond float64, burst int64) *KVBucket {
	t.Helper()
	b := NewKVBucket(kv.NewInMemoryStore(time.Minute, time.Minute), "instance1", tokensPerSecond, burst, false)
	return b
}

func TestKVBucketAllowsBurstThenRejects(t *testing.T) {
	b := newTestBucket(t, 1, 3)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Take("client1")
		require.NoError(t, err)
		assert.True(t, allowed, "take %d should fit inside the burst", i)
	}
	allowed, retryAfter, err := b.Take("client1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestKVBucketRefillsOverTime(t *testing.T) {
	b := newTestBucket(t, 2, 2)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		allowed, _, err := b.Take("client1")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, err := b.Take("client1")
	require.NoError(t, err)
	require.False(t, allowed)

	// One second at 2 tokens/second refills both slots.
	now = now.Add(time.Second)
	allowed, _, err = b.Take("client1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestKVBucketIsolatesCallers(t *testing.T) {
	b := newTestBucket(t, 1, 1)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	allowed, _, err := b.Take("client1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = b.Take("client2")
	require.NoError(t, err)
	assert.True(t, allowed, "a second caller has its own bucket")
}
