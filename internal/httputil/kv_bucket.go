// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrixhs/homeserver/internal/kv"
)

// KVBucket is a token bucket whose state lives in the shared KV store, so
// several server instances enforce one combined limit per (endpoint
// class, caller) pair. The in-process RateLimits remains
// the default for single-instance deployments; this is the multi-instance
// variant behind the same Limit-style contract.
type KVBucket struct {
	store  kv.Store
	prefix string

	// TokensPerSecond and BurstSize define the bucket; FailOpen selects
	// the policy when the KV store is unreachable (default closed,
	// "fail_open_on_error" in config).
	TokensPerSecond float64
	BurstSize       int64
	FailOpen        bool

	// now is swappable for tests.
	now func() time.Time

	mu sync.Mutex
}

type bucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillTS int64   `json:"last_refill_ts"`
}

// ErrLimiterUnavailable is returned (and the request rejected) when the KV
// store cannot be reached and the bucket is configured fail-closed.
var ErrLimiterUnavailable = fmt.Errorf("httputil: rate limiter store unavailable")

func NewKVBucket(store kv.Store, instancePrefix string, tokensPerSecond float64, burstSize int64, failOpen bool) *KVBucket {
	return &KVBucket{
		store:           store,
		prefix:          instancePrefix,
		TokensPerSecond: tokensPerSecond,
		BurstSize:       burstSize,
		FailOpen:        failOpen,
		now:             time.Now,
	}
}

// Take atomically refills the bucket for key from elapsed time and spends
// one token. Returns whether the request may proceed and, when denied, how
// long until a token will be available.
func (b *KVBucket) Take(key string) (allowed bool, retryAfter time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	storeKey := b.prefix + "/ratelimit/" + key
	now := b.now()

	state := bucketState{
		Tokens:       float64(b.BurstSize),
		LastRefillTS: now.UnixMilli(),
	}
	raw, ok := b.store.Get(storeKey)
	if ok {
		if err := json.Unmarshal(raw, &state); err != nil {
			// Corrupt state resets the bucket rather than wedging the
			// endpoint.
			state = bucketState{Tokens: float64(b.BurstSize), LastRefillTS: now.UnixMilli()}
		}
		elapsed := time.Duration(now.UnixMilli()-state.LastRefillTS) * time.Millisecond
		state.Tokens += elapsed.Seconds() * b.TokensPerSecond
		if max := float64(b.BurstSize); state.Tokens > max {
			state.Tokens = max
		}
		state.LastRefillTS = now.UnixMilli()
	}

	if state.Tokens < 1 {
		deficit := 1 - state.Tokens
		retryAfter = time.Duration(deficit / b.TokensPerSecond * float64(time.Second))
		if err := b.put(storeKey, state); err != nil {
			return b.failPolicy(err)
		}
		return false, retryAfter, nil
	}

	state.Tokens--
	if err := b.put(storeKey, state); err != nil {
		return b.failPolicy(err)
	}
	return true, 0, nil
}

func (b *KVBucket) put(key string, state bucketState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// The entry can expire once a full refill's worth of time has passed,
	// since an absent entry means "full bucket".
	ttl := time.Duration(float64(b.BurstSize)/b.TokensPerSecond*float64(time.Second)) * 2
	b.store.Set(key, raw, ttl)
	return nil
}

func (b *KVBucket) failPolicy(cause error) (bool, time.Duration, error) {
	if b.FailOpen {
		return true, 0, nil
	}
	return false, time.Second, fmt.Errorf("%w: %v", ErrLimiterUnavailable, cause)
}
