// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package transactions

import (
	"net/http"
	"testing"
	"time"

	"github.com/matrix-org/util"
	"github.com/stretchr/testify/assert"
)

func TestCacheReturnsStoredResponse(t *testing.T) {
	cache := New()
	res := &util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": "$abc"}}

	cache.AddTransaction("token1", "txn1", "/send", res)

	got, ok := cache.FetchTransaction("token1", "txn1", "/send")
	assert.True(t, ok)
	assert.Equal(t, res, got)
}

func TestCacheScopesByTokenAndEndpoint(t *testing.T) {
	cache := New()
	res := &util.JSONResponse{Code: http.StatusOK}
	cache.AddTransaction("token1", "txn1", "/send", res)

	_, ok := cache.FetchTransaction("token2", "txn1", "/send")
	assert.False(t, ok, "a different sender must not see the cached response")

	_, ok = cache.FetchTransaction("token1", "txn1", "/sendToDevice")
	assert.False(t, ok, "a different endpoint must not see the cached response")
}

func TestCacheEvictsAfterTwoCleanupCycles(t *testing.T) {
	cache := NewWithCleanupPeriod(10 * time.Millisecond)
	cache.AddTransaction("token1", "txn1", "/send", &util.JSONResponse{Code: http.StatusOK})

	assert.Eventually(t, func() bool {
		_, ok := cache.FetchTransaction("token1", "txn1", "/send")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
