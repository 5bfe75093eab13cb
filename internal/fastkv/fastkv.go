// Package fastkv is the short-retention key/value store behind recent audit
// entries and usage counters.
package fastkv

import (
	"context"
	"time"
)

// Store holds capped lists and counter hashes with a rolling TTL.
// All implementations must be safe for concurrent use.
type Store interface {
	// Append pushes value to the head of the list at key, trims the list to
	// maxLen entries (0 means unbounded) and resets the key's TTL.
	Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error
	// Range returns up to n values from the head of the list at key, newest
	// first. n <= 0 returns the whole list.
	Range(ctx context.Context, key string, n int) ([][]byte, error)
	// Incr atomically adds counters and sets fields on the hash at key and
	// resets the key's TTL.
	Incr(ctx context.Context, key string, counters map[string]int64, fields map[string]string, ttl time.Duration) error
	// Fields returns every field of the hash at key; an absent key yields an
	// empty map.
	Fields(ctx context.Context, key string) (map[string]string, error)
	Close() error
}
