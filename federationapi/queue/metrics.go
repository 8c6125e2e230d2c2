// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "federationapi",
		Name:      "send_queue_depth",
		Help:      "Number of PDUs queued for outbound federation across all destinations",
	},
)

var destinationsBlacklisted = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "federationapi",
		Name:      "destinations_backing_off",
		Help:      "Number of destinations currently in backoff",
	},
)

func init() {
	prometheus.MustRegister(sendQueueDepth, destinationsBlacklisted)
}

// observeSendQueueDepth tracks the global queued-PDU count; deltas are
// applied to an atomic so concurrent destination queues don't race the
// gauge.
func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}
