// Package cache defines the byte cache port used for completion responses.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under string keys with a per-entry TTL.
// The LLM client uses it to serve repeated prompts without an upstream call.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
