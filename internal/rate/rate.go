// Package rate throttles the authentication endpoints. Login starts and
// callbacks are the only routes an unauthenticated client can hammer,
// so they get a fixed-window limit keyed by client address.
package rate

import (
	"context"
	"time"
)

// Result describes one admission check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter admits or rejects one hit for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}
