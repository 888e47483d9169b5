// Package storage holds the key-value cache used to keep discovery results
// between runs. Entries never expire on their own; callers decide freshness
// with Fresh.
package storage

import (
	"encoding/json"
	"time"
)

// Entry is one cached value and the time it was produced.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cache is a string-keyed store of timestamped JSON documents.
type Cache interface {
	Get(key string) (Entry, bool)
	Set(key string, data []byte, timestamp time.Time) error
}

// Fresh reports whether e is younger than ttl at now. A non-positive ttl
// means entries never go stale.
func Fresh(e Entry, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.Timestamp) < ttl
}
