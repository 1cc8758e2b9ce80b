// Package rate provides fixed-window request rate limiting for the
// public API, with in-memory and Redis-backed implementations.
package rate

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed. On
// refusal it reports how long the caller should wait before retrying.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}
