package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// MemoryStore is an in-process Store for single-node deployments without
// Redis. Cost is the value size in bytes.
type MemoryStore struct {
	cache *ristretto.Cache
}

// NewMemoryStore creates a store bounded to maxBytes
func NewMemoryStore(maxBytes int64) (*MemoryStore, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxBytes / 100,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

// Get implements domain.Store
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return value.([]byte), true, nil
}

// Set implements domain.Store. Writes are buffered; Wait makes them
// visible.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.cache.SetWithTTL(key, value, int64(len(value)), ttl) {
		return fmt.Errorf("memory cache dropped key")
	}
	return nil
}

// Wait blocks until buffered writes are applied
func (s *MemoryStore) Wait() {
	s.cache.Wait()
}

// Close implements domain.Store
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
