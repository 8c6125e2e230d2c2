// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier parks sync long-polls and wakes exactly the users a
// new event concerns. No goroutine is held per request;
// waiters park on a channel closed at wake.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/matrixhs/homeserver/syncapi/types"
)

// Notifier tracks the latest stream positions and the parked waiters.
type Notifier struct {
	lock         sync.RWMutex
	currentToken types.StreamingToken
	streams      map[string]*userStream
}

// userStream is one user-device's wake channel. Closing wakes every
// waiter; a fresh channel replaces it for the next round.
type userStream struct {
	ch        chan struct{}
	lastAwake time.Time
}

func NewNotifier(initial types.StreamingToken) *Notifier {
	return &Notifier{
		currentToken: initial,
		streams:      map[string]*userStream{},
	}
}

// CurrentPosition returns the newest token the notifier has seen; this is
// what next_batch is minted from.
func (n *Notifier) CurrentPosition() types.StreamingToken {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.currentToken
}

func streamKey(userID, deviceID string) string {
	if deviceID == "" {
		return userID
	}
	return userID + "|" + deviceID
}

// OnNewEvent advances the PDU position and wakes the given users (every
// joined member of the room the event landed in).
func (n *Notifier) OnNewEvent(pos types.StreamPosition, userIDs []string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pos > n.currentToken.PDUPosition {
		n.currentToken.PDUPosition = pos
	}
	for _, userID := range userIDs {
		n.wakeLocked(userID)
	}
}

// OnNewSendToDevice advances the to-device position and wakes one device.
func (n *Notifier) OnNewSendToDevice(pos types.StreamPosition, userID, deviceID string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pos > n.currentToken.ToDevicePosition {
		n.currentToken.ToDevicePosition = pos
	}
	n.wakeExactLocked(streamKey(userID, deviceID))
	// Devices that connected before ever syncing park under the bare user
	// key; wake those too.
	n.wakeExactLocked(userID)
}

// OnNewKeyChange advances the device-list position and wakes the given
// users (those sharing a room with the changed user).
func (n *Notifier) OnNewKeyChange(pos types.StreamPosition, userIDs []string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pos > n.currentToken.DeviceListPosition {
		n.currentToken.DeviceListPosition = pos
	}
	for _, userID := range userIDs {
		n.wakeLocked(userID)
	}
}

// wakeLocked wakes every stream belonging to userID, including per-device
// streams.
func (n *Notifier) wakeLocked(userID string) {
	for key, stream := range n.streams {
		if key == userID || (len(key) > len(userID) && key[:len(userID)] == userID && key[len(userID)] == '|') {
			close(stream.ch)
			stream.ch = make(chan struct{})
			stream.lastAwake = time.Now()
		}
	}
}

func (n *Notifier) wakeExactLocked(key string) {
	if stream, ok := n.streams[key]; ok {
		close(stream.ch)
		stream.ch = make(chan struct{})
		stream.lastAwake = time.Now()
	}
}

// WaitForEvents parks until something newer than since exists for the
// user, or ctx expires (the caller's timeout_ms deadline, honored
// strictly). Returns the token to compute the response against.
func (n *Notifier) WaitForEvents(
	ctx context.Context, since types.StreamingToken, userID, deviceID string,
) types.StreamingToken {
	n.lock.Lock()
	current := n.currentToken
	if current.IsAfter(since) {
		n.lock.Unlock()
		return current
	}
	key := streamKey(userID, deviceID)
	stream, ok := n.streams[key]
	if !ok {
		stream = &userStream{ch: make(chan struct{}), lastAwake: time.Now()}
		n.streams[key] = stream
	}
	ch := stream.ch
	n.lock.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
	return n.CurrentPosition()
}

// CleanupStaleStreams drops wake channels idle longer than maxAge; called
// periodically so churned devices don't leak map entries.
func (n *Notifier) CleanupStaleStreams(maxAge time.Duration) {
	n.lock.Lock()
	defer n.lock.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for key, stream := range n.streams {
		if stream.lastAwake.Before(cutoff) {
			delete(n.streams, key)
		}
	}
}
