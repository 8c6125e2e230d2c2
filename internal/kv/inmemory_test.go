package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryStoreSetGet(t *testing.T) {
	s := NewInMemoryStore(time.Hour, time.Minute)
	s.Set("key1", []byte("value1"), time.Hour)

	v, ok := s.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, []byte("value1"), v)
}

func TestInMemoryStoreGetMissing(t *testing.T) {
	s := NewInMemoryStore(time.Hour, time.Minute)
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestInMemoryStoreDelete(t *testing.T) {
	s := NewInMemoryStore(time.Hour, time.Minute)
	s.Set("key1", []byte("value1"), time.Hour)
	s.Delete("key1")

	_, ok := s.Get("key1")
	assert.False(t, ok)
}

func TestInMemoryStoreIncrementFromZero(t *testing.T) {
	s := NewInMemoryStore(time.Hour, time.Minute)

	v, err := s.Increment("counter1", 1, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Increment("counter1", 1, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestInMemoryStoreIncrementConcurrentSafe(t *testing.T) {
	s := NewInMemoryStore(time.Hour, time.Minute)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			_, _ = s.Increment("concurrent", 1, time.Minute)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	v, _ := s.Get("concurrent")
	assert.Equal(t, "50", string(v))
}
