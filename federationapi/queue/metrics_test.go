// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSendQueueDepth(t *testing.T) {
	sendQueueDepthValue.Store(0)
	sendQueueDepth.Set(0)

	observeSendQueueDepth(3)
	require.InDelta(t, 3, testutil.ToFloat64(sendQueueDepth), 0.0001)

	observeSendQueueDepth(-2)
	require.InDelta(t, 1, testutil.ToFloat64(sendQueueDepth), 0.0001)
	require.Equal(t, int64(1), sendQueueDepthValue.Load())
}

// Concurrent destination queues apply deltas at the same time; the gauge
// must settle on the true sum rather than losing updates.
func TestObserveSendQueueDepthConcurrent(t *testing.T) {
	sendQueueDepthValue.Store(0)
	sendQueueDepth.Set(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				observeSendQueueDepth(1)
				observeSendQueueDepth(-1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(0), sendQueueDepthValue.Load())
}
