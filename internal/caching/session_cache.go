package caching

import (
	"encoding/json"
	"time"

	"github.com/matrixhs/homeserver/internal/kv"
)

// SessionCache resolves an access token to its owning device, checking the
// L1 ristretto partition first and falling back to the shared L2 store on
// a miss. A miss at both tiers is the caller's signal to load
// from the credential store and populate both tiers via Store.
type SessionCache struct {
	l1  *RistrettoCachePartition[string, SessionEntry]
	l2  kv.Store
	ttl time.Duration
}

func NewSessionCache(l1 *RistrettoCachePartition[string, SessionEntry], l2 kv.Store, ttl time.Duration) *SessionCache {
	return &SessionCache{l1: l1, l2: l2, ttl: ttl}
}

func (s *SessionCache) Lookup(token string) (SessionEntry, bool) {
	if entry, ok := s.l1.Get(token); ok {
		return entry, true
	}
	raw, ok := s.l2.Get(token)
	if !ok {
		return SessionEntry{}, false
	}
	var entry SessionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return SessionEntry{}, false
	}
	s.l1.Set(token, entry)
	return entry, true
}

func (s *SessionCache) Store(token string, entry SessionEntry) {
	s.l1.Set(token, entry)
	if raw, err := json.Marshal(entry); err == nil {
		s.l2.Set(token, raw, s.ttl)
	}
}

// Invalidate drops token from both tiers, e.g. on logout or device deletion.
func (s *SessionCache) Invalidate(token string) {
	s.l1.Unset(token)
	s.l2.Delete(token)
}
