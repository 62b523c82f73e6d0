// Package cache defines a byte-value cache port with TTL support.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value cache. Implementations may evict at any time.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
