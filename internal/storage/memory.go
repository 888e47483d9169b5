package storage

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache implements Cache in process memory. Items carry no TTL of
// their own; with a capacity set the least recently used entry is evicted.
type MemoryCache struct {
	items *ttlcache.Cache[string, Entry]
}

// NewMemoryCache creates an in-memory cache. A zero capacity is unbounded.
func NewMemoryCache(capacity uint64) *MemoryCache {
	opts := []ttlcache.Option[string, Entry]{}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Entry](capacity))
	}
	return &MemoryCache{items: ttlcache.New[string, Entry](opts...)}
}

// Get returns the entry stored under key.
func (m *MemoryCache) Get(key string) (Entry, bool) {
	item := m.items.Get(key)
	if item == nil {
		return Entry{}, false
	}
	e := item.Value()
	e.Data = append([]byte(nil), e.Data...)
	return e, true
}

// Set stores a copy of data under key.
func (m *MemoryCache) Set(key string, data []byte, timestamp time.Time) error {
	m.items.Set(key, Entry{
		Data:      append([]byte(nil), data...),
		Timestamp: timestamp,
	}, ttlcache.NoTTL)
	return nil
}

// Delete removes the entry stored under key.
func (m *MemoryCache) Delete(key string) {
	m.items.Delete(key)
}

// Len returns the number of stored entries.
func (m *MemoryCache) Len() int {
	return m.items.Len()
}
