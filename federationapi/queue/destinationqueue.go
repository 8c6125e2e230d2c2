// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/federationapi/storage"
	"github.com/matrixhs/homeserver/federationapi/types"
	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/setup/process"
)

const (
	// maxPDUsPerTransaction caps coalescing per send.
	maxPDUsPerTransaction  = 50
	maxBytesPerTransaction = 1 << 20

	// queueHighWaterMark is the backpressure bound: above it, new
	// enqueues for the destination are rejected and the destination is
	// marked degraded.
	queueHighWaterMark = 512

	minBackoff          = time.Second
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
)

// destinationQueue drains one destination's persisted FIFO queue. A single
// goroutine runs per destination while there is work; it exits when the
// queue empties and is restarted by the next wake.
type destinationQueue struct {
	db          *storage.Database
	process     *process.ProcessContext
	origin      spec.ServerName
	destination spec.ServerName
	client      TransactionSender

	maxRetries     int
	backoffCeiling time.Duration

	runningMutex sync.Mutex
	running      bool
	notify       chan struct{}
}

// TransactionSender delivers one transaction to one destination; the
// federation client (outbound HTTP) implements it. A returned *SendError's
// Permanent field splits the retry classes.
type TransactionSender interface {
	SendTransaction(ctx context.Context, txn types.Transaction) error
}

// SendError is the client's error classification.
type SendError struct {
	Message   string
	Permanent bool
}

func (e *SendError) Error() string { return e.Message }

func newDestinationQueue(
	db *storage.Database, processCtx *process.ProcessContext,
	origin, destination spec.ServerName, client TransactionSender,
	maxRetries int, backoffCeiling time.Duration,
) *destinationQueue {
	return &destinationQueue{
		db:             db,
		process:        processCtx,
		origin:         origin,
		destination:    destination,
		client:         client,
		maxRetries:     maxRetries,
		backoffCeiling: backoffCeiling,
		notify:         make(chan struct{}, 1),
	}
}

// sendEvent persists the event onto this destination's queue and wakes the
// sender. Returns false without enqueueing when the queue is above its
// high-water mark.
func (oq *destinationQueue) sendEvent(ctx context.Context, eventJSON []byte) bool {
	depth, err := oq.db.QueueDepth(ctx, oq.destination)
	if err == nil && depth >= queueHighWaterMark {
		oq.process.Degraded(&queueFullError{destination: oq.destination})
		return false
	}
	if err := oq.db.EnqueuePDU(ctx, oq.destination, eventJSON); err != nil {
		log.WithError(err).WithField("destination", oq.destination).Error("Failed to persist queued PDU")
		return false
	}
	observeSendQueueDepth(1)
	oq.wakeQueueIfNeeded()
	return true
}

type queueFullError struct {
	destination spec.ServerName
}

func (e *queueFullError) Error() string {
	return "federation queue for " + string(e.destination) + " is above its high-water mark"
}

// wakeQueueIfNeeded starts the background sender for this destination if
// it isn't already running, and nudges it if it is.
func (oq *destinationQueue) wakeQueueIfNeeded() {
	oq.runningMutex.Lock()
	defer oq.runningMutex.Unlock()
	if !oq.running {
		oq.running = true
		oq.process.ComponentStarted()
		go oq.backgroundSend()
	}
	select {
	case oq.notify <- struct{}{}:
	default:
	}
}

func (oq *destinationQueue) backgroundSend() {
	defer func() {
		oq.runningMutex.Lock()
		oq.running = false
		oq.runningMutex.Unlock()
		oq.process.ComponentFinished()
	}()
	ctx := oq.process.Context()
	for {
		// Respect any persisted backoff from before a restart.
		failures, retryUntil, exists, err := oq.db.GetRetryState(ctx, oq.destination)
		if err == nil && exists {
			if wait := time.Until(retryUntil.Time()); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}

		pdus, err := oq.db.NextPDUs(ctx, oq.destination, maxPDUsPerTransaction)
		if err != nil {
			log.WithError(err).WithField("destination", oq.destination).Error("Failed to read queued PDUs")
			return
		}
		if len(pdus) == 0 {
			// Queue drained; wait briefly for more work, then exit and let
			// the next enqueue restart us.
			select {
			case <-oq.notify:
				continue
			case <-time.After(time.Second * 5):
				return
			case <-ctx.Done():
				return
			}
		}

		txn := types.Transaction{
			TxnID:          uuid.NewString(),
			Origin:         oq.origin,
			Destination:    oq.destination,
			OriginServerTS: spec.AsTimestamp(time.Now()),
		}
		var nids []int64
		byteTotal := 0
		for _, pdu := range pdus {
			if byteTotal+len(pdu.EventJSON) > maxBytesPerTransaction && len(nids) > 0 {
				break
			}
			byteTotal += len(pdu.EventJSON)
			txn.PDUs = append(txn.PDUs, json.RawMessage(pdu.EventJSON))
			nids = append(nids, pdu.NID)
		}

		_, region := internal.StartRegion(ctx, "FederationSendTransaction")
		err = oq.client.SendTransaction(ctx, txn)
		region.EndRegion()

		switch {
		case err == nil:
			if err := oq.db.RemovePDUs(ctx, oq.destination, nids); err != nil {
				log.WithError(err).Error("Failed to remove delivered PDUs from queue")
				return
			}
			observeSendQueueDepth(int64(-len(nids)))
			if failures > 0 {
				_ = oq.db.ClearRetryState(ctx, oq.destination)
				destinationsBlacklisted.Dec()
			}
		case isPermanent(err):
			// The destination rejected the transaction outright; these
			// PDUs will never be accepted, so drop them rather than wedge
			// the queue.
			log.WithError(err).WithFields(log.Fields{
				"destination": oq.destination,
				"pdus":        len(nids),
			}).Warn("Destination rejected transaction; dropping PDUs")
			if err := oq.db.RemovePDUs(ctx, oq.destination, nids); err != nil {
				log.WithError(err).Error("Failed to remove rejected PDUs from queue")
				return
			}
			observeSendQueueDepth(int64(-len(nids)))
		default:
			failures++
			if oq.maxRetries > 0 && int(failures) > oq.maxRetries {
				log.WithFields(log.Fields{
					"destination": oq.destination,
					"failures":    failures,
				}).Warn("Destination exceeded retry budget; parking queue until it recovers")
			}
			backoff := backoffDuration(failures, oq.backoffCeiling)
			until := spec.AsTimestamp(time.Now().Add(backoff))
			if err := oq.db.SetRetryState(ctx, oq.destination, failures, until); err != nil {
				log.WithError(err).Error("Failed to persist retry state")
			}
			if failures == 1 {
				destinationsBlacklisted.Inc()
			}
			log.WithFields(log.Fields{
				"destination": oq.destination,
				"failures":    failures,
				"backoff":     backoff,
			}).Debug("Transaction failed; backing off")
		}
	}
}

func isPermanent(err error) bool {
	if sendErr, ok := err.(*SendError); ok {
		return sendErr.Permanent
	}
	return false
}

// backoffDuration is 2^failures seconds with multiplicative jitter, capped.
func backoffDuration(failures uint32, ceiling time.Duration) time.Duration {
	backoff := minBackoff * time.Duration(math.Pow(2, float64(failures)))
	jitter := minJitterMultiplier + rand.Float64()*(maxJitterMultiplier-minJitterMultiplier)
	backoff = time.Duration(float64(backoff) * jitter)
	if backoff > ceiling {
		backoff = ceiling
	}
	return backoff
}
