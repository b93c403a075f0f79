package credstore

import (
	"context"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryKV is a process local KeyValue. Entries never expire; ttlcache is
// used for its concurrency safe map.
type MemoryKV struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryKV {
	return &MemoryKV{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, string](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Get implements KeyValue.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	item := m.cache.Get(key)
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Set implements KeyValue.
func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.cache.Set(key, value, ttlcache.NoTTL)
	return nil
}

// Remove implements KeyValue.
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryKV) Len() int { return m.cache.Len() }

// Close implements KeyValue.
func (m *MemoryKV) Close() error {
	m.cache.DeleteAll()
	return nil
}
