// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/federationapi/storage"
	"github.com/matrixhs/homeserver/federationapi/types"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/process"
)

func TestBackoffDurationGrowsAndCaps(t *testing.T) {
	ceiling := time.Minute
	prev := time.Duration(0)
	for failures := uint32(1); failures <= 4; failures++ {
		d := backoffDuration(failures, ceiling)
		// Jitter bounds: [0.8, 1.4] around 2^failures seconds.
		base := time.Second * time.Duration(1<<failures)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*minJitterMultiplier))
		assert.LessOrEqual(t, d, ceiling)
		if d < ceiling {
			assert.Greater(t, d, time.Duration(float64(prev)*0.3), "backoff should broadly grow")
		}
		prev = d
	}
	assert.Equal(t, ceiling, backoffDuration(30, ceiling), "large failure counts hit the ceiling")
}

func TestSendErrorClassification(t *testing.T) {
	assert.False(t, isPermanent(&SendError{Message: "connection refused"}))
	assert.True(t, isPermanent(&SendError{Message: "HTTP 400", Permanent: true}))
	assert.False(t, isPermanent(fmt.Errorf("plain error")))
}

// recordingSender collects delivered transactions, failing the first
// sendFailures attempts with a transient error.
type recordingSender struct {
	mu           sync.Mutex
	sendFailures int
	transactions []types.Transaction
}

func (s *recordingSender) SendTransaction(ctx context.Context, txn types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendFailures > 0 {
		s.sendFailures--
		return &SendError{Message: "transient"}
	}
	s.transactions = append(s.transactions, txn)
	return nil
}

func (s *recordingSender) delivered() []types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Transaction{}, s.transactions...)
}

var queueTestDBCounter int

func newQueueTestDB(t *testing.T) *storage.Database {
	t.Helper()
	queueTestDBCounter++
	db, err := storage.Open(&config.Database{
		ConnectionString:   fmt.Sprintf("file:fedqueue_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), queueTestDBCounter),
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
	})
	require.NoError(t, err)
	return db
}

func testFederationConfig() *config.FederationAPI {
	global := &config.Global{ServerName: "origin.test"}
	cfg := &config.FederationAPI{Matrix: global}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Matrix = global
	return cfg
}

func TestQueueDeliversFIFOPerDestination(t *testing.T) {
	db := newQueueTestDB(t)
	sender := &recordingSender{}
	processCtx := process.NewProcessContext()
	defer processCtx.ShutdownHomeserver()

	queues := NewOutgoingQueues(db, processCtx, testFederationConfig(), sender)

	for i := 0; i < 3; i++ {
		queues.SendEvent(context.Background(), []byte(fmt.Sprintf(`{"event_id":"$ev%d"}`, i)), []spec.ServerName{"remote.test"})
	}

	require.Eventually(t, func() bool {
		total := 0
		for _, txn := range sender.delivered() {
			total += len(txn.PDUs)
		}
		return total == 3
	}, 10*time.Second, 10*time.Millisecond)

	var got []string
	for _, txn := range sender.delivered() {
		assert.Equal(t, spec.ServerName("origin.test"), txn.Origin)
		assert.Equal(t, spec.ServerName("remote.test"), txn.Destination)
		for _, pdu := range txn.PDUs {
			got = append(got, string(pdu))
		}
	}
	assert.Equal(t, []string{`{"event_id":"$ev0"}`, `{"event_id":"$ev1"}`, `{"event_id":"$ev2"}`}, got)

	// Delivered PDUs are removed from the persisted queue.
	depth, err := db.QueueDepth(context.Background(), "remote.test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestQueueRetriesAfterTransientFailure(t *testing.T) {
	db := newQueueTestDB(t)
	sender := &recordingSender{sendFailures: 1}
	processCtx := process.NewProcessContext()
	defer processCtx.ShutdownHomeserver()

	queues := NewOutgoingQueues(db, processCtx, testFederationConfig(), sender)
	queues.SendEvent(context.Background(), []byte(`{"event_id":"$retry"}`), []spec.ServerName{"flaky.test"})

	// First attempt fails; the queue backs off (~2s for one failure) and
	// then redelivers.
	require.Eventually(t, func() bool {
		return len(sender.delivered()) == 1
	}, 15*time.Second, 50*time.Millisecond)

	// The retry state is cleared after the successful send.
	require.Eventually(t, func() bool {
		_, _, exists, err := db.GetRetryState(context.Background(), "flaky.test")
		return err == nil && !exists
	}, 5*time.Second, 50*time.Millisecond)
}

func TestQueueSkipsLocalServer(t *testing.T) {
	db := newQueueTestDB(t)
	sender := &recordingSender{}
	processCtx := process.NewProcessContext()
	defer processCtx.ShutdownHomeserver()

	queues := NewOutgoingQueues(db, processCtx, testFederationConfig(), sender)
	queues.SendEvent(context.Background(), []byte(`{"event_id":"$loop"}`), []spec.ServerName{"origin.test"})

	depth, err := db.QueueDepth(context.Background(), "origin.test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "events must never be queued for our own server name")
}
