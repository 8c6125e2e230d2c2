package kv

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// InMemoryStore implements Store on top of patrickmn/go-cache, the
// teacher's in-process TTL map of choice. A mutex guards Increment's
// read-modify-write since go-cache itself has no atomic counter op.
type InMemoryStore struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

// NewInMemoryStore builds a store with the given default expiry and
// janitor sweep interval for expired entries.
func NewInMemoryStore(defaultExpiry, cleanupInterval time.Duration) *InMemoryStore {
	return &InMemoryStore{
		cache: gocache.New(defaultExpiry, cleanupInterval),
	}
}

func (s *InMemoryStore) Get(key string) ([]byte, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (s *InMemoryStore) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.cache.Set(key, value, ttl)
}

func (s *InMemoryStore) Delete(key string) {
	s.cache.Delete(key)
}

func (s *InMemoryStore) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if v, ok := s.cache.Get(key); ok {
		parsed, err := strconv.ParseInt(string(v.([]byte)), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta

	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.cache.Set(key, []byte(strconv.FormatInt(current, 10)), ttl)
	return current, nil
}
