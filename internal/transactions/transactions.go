// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package transactions provides the idempotency cache behind
// PUT /rooms/{room}/send/{type}/{txn} and the federation /send/{txn}
// endpoint: replaying a transaction ID returns the original response
// rather than re-executing the request.
package transactions

import (
	"sync"
	"time"

	"github.com/matrix-org/util"
)

// DefaultCleanupPeriod bounds how long a cached response survives; a
// replay after this window re-executes, which is acceptable because
// well-behaved clients only retry within their own request timeout.
const DefaultCleanupPeriod = time.Minute * 30

// CacheKey scopes a transaction ID to its sender and endpoint so two
// users (or two endpoints) can reuse the same ID without collision.
type CacheKey struct {
	AccessToken string
	TxnID       string
	Endpoint    string
}

// Cache keeps two generations of responses; the cleanup timer drops the
// older generation wholesale, so every entry lives between one and two
// cleanup periods with no per-entry bookkeeping.
type Cache struct {
	sync.RWMutex
	txnsMaps [2]map[CacheKey]*util.JSONResponse
}

func New() *Cache {
	return NewWithCleanupPeriod(DefaultCleanupPeriod)
}

func NewWithCleanupPeriod(cleanupPeriod time.Duration) *Cache {
	t := Cache{txnsMaps: [2]map[CacheKey]*util.JSONResponse{
		make(map[CacheKey]*util.JSONResponse),
		make(map[CacheKey]*util.JSONResponse),
	}}
	go t.cleanup(cleanupPeriod)
	return &t
}

// FetchTransaction returns the cached response for a transaction, if any.
func (t *Cache) FetchTransaction(accessToken, txnID, endpoint string) (*util.JSONResponse, bool) {
	t.RLock()
	defer t.RUnlock()
	for _, txns := range t.txnsMaps {
		res, ok := txns[CacheKey{accessToken, txnID, endpoint}]
		if ok {
			return res, true
		}
	}
	return nil, false
}

// AddTransaction records the response computed for a transaction.
func (t *Cache) AddTransaction(accessToken, txnID, endpoint string, res *util.JSONResponse) {
	t.Lock()
	defer t.Unlock()
	t.txnsMaps[0][CacheKey{accessToken, txnID, endpoint}] = res
}

func (t *Cache) cleanup(cleanupPeriod time.Duration) {
	for {
		time.Sleep(cleanupPeriod)
		t.Lock()
		t.txnsMaps[1] = t.txnsMaps[0]
		t.txnsMaps[0] = make(map[CacheKey]*util.JSONResponse)
		t.Unlock()
	}
}
