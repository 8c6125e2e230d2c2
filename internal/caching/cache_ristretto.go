// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixhs/homeserver/setup/config"
)

// EnableMetrics/DisableMetrics select whether a RistrettoCachePartition
// registers a prometheus hit/miss counter pair. Off by default in tests so
// repeated test runs don't panic on duplicate collector registration.
const (
	EnableMetrics  = true
	DisableMetrics = false
)

// RistrettoCachePartition is one named slice of the shared L1 cache, keyed
// and valued by whatever a caller needs (server keys, room versions,
// session entries,...). Each partition gets its own prometheus counters so
// hit rates can be compared across uses.
type RistrettoCachePartition[K comparable, V any] struct {
	cache   *ristretto.Cache
	name    string
	maxAge  time.Duration
	mutable bool // false = values never change once set (e.g. event content)
	hits    prometheus.Counter
	misses  prometheus.Counter
}

func newPartition[K comparable, V any](cache *ristretto.Cache, name string, maxAge time.Duration, mutable, enableMetrics bool) *RistrettoCachePartition[K, V] {
	p := &RistrettoCachePartition[K, V]{
		cache:   cache,
		name:    name,
		maxAge:  maxAge,
		mutable: mutable,
	}
	if enableMetrics {
		p.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "caching",
			Name:      name + "_hits_total",
		})
		p.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "caching",
			Name:      name + "_misses_total",
		})
		prometheus.MustRegister(p.hits, p.misses)
	}
	return p
}

func (p *RistrettoCachePartition[K, V]) Get(key K) (V, bool) {
	val, ok := p.cache.Get(p.cacheKey(key))
	if !ok {
		if p.misses != nil {
			p.misses.Inc()
		}
		var zero V
		return zero, false
	}
	if p.hits != nil {
		p.hits.Inc()
	}
	return val.(V), true
}

func (p *RistrettoCachePartition[K, V]) Set(key K, value V) {
	p.cache.SetWithTTL(p.cacheKey(key), value, 1, p.maxAge)
}

func (p *RistrettoCachePartition[K, V]) Unset(key K) {
	p.cache.Del(p.cacheKey(key))
}

// cacheKey namespaces the partition's keys within the shared ristretto
// instance so two partitions can't collide on the same underlying key.
func (p *RistrettoCachePartition[K, V]) cacheKey(key K) string {
	return p.name + "/" + toCacheKeyString(key)
}

func toCacheKeyString(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	if stringer, ok := key.(interface{ String() string }); ok {
		return stringer.String()
	}
	return ""
}

// Caches bundles every L1 partition the server uses. A single ristretto
// instance backs all of them; NumCounters/BufferItems follow ristretto's
// own recommended defaults scaled from MaxCost.
type Caches struct {
	ServerKeys    *RistrettoCachePartition[string, ServerKeyResult]
	RoomVersions  *RistrettoCachePartition[string, string]
	SessionTokens *RistrettoCachePartition[string, SessionEntry]
}

// ServerKeyResult caches a remote server's verify keys (keyring) so
// every inbound request doesn't refetch /_matrix/key/v2/server.
type ServerKeyResult struct {
	KeyID        string
	PublicKey    []byte
	ValidUntilTS int64
}

// SessionEntry caches a decoded access/refresh token's owning device so the
// credential store isn't hit on every authenticated request.
type SessionEntry struct {
	UserID   string
	DeviceID string
	IsGuest  bool
	// ExpiresTS mirrors the token's logical expiry (epoch ms); a cache hit
	// past this instant must be treated as a miss even before the cache
	// entry's own TTL lapses.
	ExpiresTS int64
}

// NewRistrettoCache builds a Caches with the given cost budget and default
// per-partition TTL. enableMetrics should be false in unit tests that
// construct multiple caches, since prometheus panics on duplicate
// registration of the same counter name.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enableMetrics bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost) * 10,
		MaxCost:     int64(maxCost),
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	return &Caches{
		ServerKeys:    newPartition[string, ServerKeyResult](cache, "server_keys", maxAge, false, enableMetrics),
		RoomVersions:  newPartition[string, string](cache, "room_versions", maxAge, false, enableMetrics),
		SessionTokens: newPartition[string, SessionEntry](cache, "session_tokens", maxAge, true, enableMetrics),
	}
}
