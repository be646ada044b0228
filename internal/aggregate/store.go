// Package aggregate serves the public activity feed and community statistics behind a TTL cache.
package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheUnavailable indicates that the key-value cache could not be reached. It is never fatal.
var ErrCacheUnavailable = errors.New("aggregate: cache unavailable")

// Store is the minimal key-value contract the aggregation cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheEntry is the envelope written for every cached aggregate. Entries are replaced wholesale.
type CacheEntry struct {
	Key             string `json:"key"`
	Value           []byte `json:"value"`
	ExpiresAtMillis int64  `json:"expiresAt"`
}

// Fresh reports whether the entry may still be served at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.UnixMilli() < e.ExpiresAtMillis
}

// NoopStore never caches.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *NoopStore) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// MemoryStore keeps entries in process until they are overwritten. Expiry is judged by the
// service against the envelope, so the store itself never evicts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]byte{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	value, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	s.entries[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}
