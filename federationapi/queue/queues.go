// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue implements the outbound half of the federation transport
// : one persisted FIFO queue per destination server, drained by a
// background sender with exponential backoff and backpressure.
package queue

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/federationapi/storage"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/process"
)

// OutgoingQueues fans persisted events out to their destination queues.
type OutgoingQueues struct {
	db      *storage.Database
	process *process.ProcessContext
	origin  spec.ServerName
	client  TransactionSender
	cfg     *config.FederationAPI

	queuesMutex sync.Mutex
	queues      map[spec.ServerName]*destinationQueue
}

func NewOutgoingQueues(
	db *storage.Database, processCtx *process.ProcessContext,
	cfg *config.FederationAPI, client TransactionSender,
) *OutgoingQueues {
	queues := &OutgoingQueues{
		db:      db,
		process: processCtx,
		origin:  cfg.Matrix.ServerName,
		client:  client,
		cfg:     cfg,
		queues:  map[spec.ServerName]*destinationQueue{},
	}
	// Resume queues that had traffic pending when the process last
	// stopped.
	pending, err := db.PendingDestinations(processCtx.Context())
	if err != nil {
		log.WithError(err).Error("Failed to list pending federation destinations")
		return queues
	}
	for _, destination := range pending {
		if depth, err := db.QueueDepth(processCtx.Context(), destination); err == nil {
			observeSendQueueDepth(depth)
		}
		queues.getQueue(destination).wakeQueueIfNeeded()
	}
	return queues
}

func (oqs *OutgoingQueues) getQueue(destination spec.ServerName) *destinationQueue {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq, ok := oqs.queues[destination]
	if !ok {
		oq = newDestinationQueue(
			oqs.db, oqs.process, oqs.origin, destination, oqs.client,
			oqs.cfg.SendMaxRetries, oqs.cfg.SendRetryBackoffCeiling,
		)
		oqs.queues[destination] = oq
	}
	return oq
}

// SendEvent enqueues one event for each destination; destinations above
// their high-water mark drop the enqueue and are reported degraded.
func (oqs *OutgoingQueues) SendEvent(
	ctx context.Context, eventJSON []byte, destinations []spec.ServerName,
) {
	for _, destination := range destinations {
		if destination == oqs.origin {
			continue
		}
		if !oqs.getQueue(destination).sendEvent(ctx, eventJSON) {
			log.WithField("destination", destination).Warn("Dropping enqueue for saturated destination")
		}
	}
}

// RetryServer clears a destination's backoff and wakes its queue, used
// when we hear from the destination inbound and know it is reachable
// again.
func (oqs *OutgoingQueues) RetryServer(destination spec.ServerName) {
	if err := oqs.db.ClearRetryState(oqs.process.Context(), destination); err != nil {
		log.WithError(err).WithField("destination", destination).Warn("Failed to clear retry state")
	}
	oqs.getQueue(destination).wakeQueueIfNeeded()
}
