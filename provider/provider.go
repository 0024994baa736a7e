// Package provider defines the byte store behind depcache's in-memory layer.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the bytes previously passed to Set for a key. The memory backend stores
// complete value frames (payload, dependency names, sliding window) and
// treats anything it cannot decode as corrupt.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 => no expiry, where the
	// store supports per-entry TTLs). cost is a weight hint; the memory
	// backend passes the frame size. ok=false means the write was dropped
	// under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
