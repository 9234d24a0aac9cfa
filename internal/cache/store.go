// Package cache provides named read-through caches with TTLs over a
// pluggable backend (in-process memory or Redis).
package cache

import (
	"context"
	"time"
)

// Store is a byte-oriented key/value backend with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
