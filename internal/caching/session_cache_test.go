package caching

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matrixhs/homeserver/internal/kv"
)

func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
}

func newTestSessionCache(t *testing.T) *SessionCache {
	t.Helper()
	caches := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)
	store := kv.NewInMemoryStore(time.Hour, time.Minute)
	return NewSessionCache(caches.SessionTokens, store, time.Hour)
}

func TestSessionCacheLookupMissesBothTiers(t *testing.T) {
	c := newTestSessionCache(t)

	_, ok := c.Lookup("missing-token")
	assert.False(t, ok)
}

func TestSessionCacheStoreThenLookupHitsL1(t *testing.T) {
	c := newTestSessionCache(t)
	entry := SessionEntry{UserID: "@alice:example.org", DeviceID: "DEVICE1"}

	c.Store("tok1", entry)
	waitForCacheProcessing(t)

	got, ok := c.Lookup("tok1")
	assert.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestSessionCacheFallsBackToL2OnL1Miss(t *testing.T) {
	c := newTestSessionCache(t)
	entry := SessionEntry{UserID: "@bob:example.org", DeviceID: "DEVICE2", IsGuest: true}

	// Populate L2 directly, bypassing L1, to exercise the fallback path.
	raw, err := json.Marshal(entry)
	assert.NoError(t, err)
	c.l2.Set("tok2", raw, time.Hour)

	got, ok := c.Lookup("tok2")
	assert.True(t, ok)
	assert.Equal(t, entry, got)

	// The fallback should have repopulated L1.
	l1Got, ok := c.l1.Get("tok2")
	assert.True(t, ok)
	assert.Equal(t, entry, l1Got)
}

func TestSessionCacheInvalidateClearsBothTiers(t *testing.T) {
	c := newTestSessionCache(t)
	entry := SessionEntry{UserID: "@carol:example.org", DeviceID: "DEVICE3"}

	c.Store("tok3", entry)
	waitForCacheProcessing(t)

	c.Invalidate("tok3")
	waitForCacheProcessing(t)

	_, ok := c.Lookup("tok3")
	assert.False(t, ok)
}
