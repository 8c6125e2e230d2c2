// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matrixhs/homeserver/syncapi/types"
)

func TestWaitReturnsImmediatelyWhenAhead(t *testing.T) {
	n := NewNotifier(types.StreamingToken{PDUPosition: 5})
	got := n.WaitForEvents(context.Background(), types.StreamingToken{PDUPosition: 3}, "@alice:test", "DEV")
	assert.Equal(t, types.StreamPosition(5), got.PDUPosition)
}

func TestWaitWakesOnNewEvent(t *testing.T) {
	n := NewNotifier(types.StreamingToken{PDUPosition: 5})

	done := make(chan types.StreamingToken)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- n.WaitForEvents(ctx, types.StreamingToken{PDUPosition: 5}, "@alice:test", "DEV")
	}()

	// Give the waiter time to park before waking it.
	time.Sleep(50 * time.Millisecond)
	n.OnNewEvent(6, []string{"@alice:test"})

	select {
	case got := <-done:
		assert.Equal(t, types.StreamPosition(6), got.PDUPosition)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by OnNewEvent")
	}
}

func TestWaitDoesNotWakeUnrelatedUser(t *testing.T) {
	n := NewNotifier(types.StreamingToken{PDUPosition: 5})

	woken := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		n.WaitForEvents(ctx, types.StreamingToken{PDUPosition: 5}, "@bob:test", "DEV")
		close(woken)
	}()

	time.Sleep(50 * time.Millisecond)
	n.OnNewEvent(6, []string{"@alice:test"})

	start := time.Now()
	<-woken
	// Bob should have been released by his own timeout, not Alice's event.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsTimeout(t *testing.T) {
	n := NewNotifier(types.StreamingToken{PDUPosition: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	got := n.WaitForEvents(ctx, types.StreamingToken{PDUPosition: 5}, "@alice:test", "DEV")
	assert.WithinDuration(t, start.Add(100*time.Millisecond), time.Now(), 2*time.Second)
	assert.Equal(t, types.StreamPosition(5), got.PDUPosition)
}

func TestSendToDeviceWakesExactDevice(t *testing.T) {
	n := NewNotifier(types.StreamingToken{})

	done := make(chan types.StreamingToken)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- n.WaitForEvents(ctx, types.StreamingToken{}, "@alice:test", "DEV1")
	}()

	time.Sleep(50 * time.Millisecond)
	n.OnNewSendToDevice(3, "@alice:test", "DEV1")

	select {
	case got := <-done:
		assert.Equal(t, types.StreamPosition(3), got.ToDevicePosition)
	case <-time.After(5 * time.Second):
		t.Fatal("device waiter was not woken")
	}
}
