package rate

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process fixed-window limiter. Counters live in a
// go-cache instance and expire with their window, so idle keys cost
// nothing after cleanup.
type Memory struct {
	counters *gocache.Cache
	max      int64
	window   time.Duration
}

func NewMemory(max int, window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		counters: gocache.New(window, 2*window),
		max:      int64(max),
		window:   window,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	now := time.Now().UTC()
	winStart := now.Truncate(m.window)
	k := fmt.Sprintf("%s:%d", key, winStart.Unix())

	// Add is a no-op when the counter exists, so the increment below is
	// the only write that counts the hit.
	_ = m.counters.Add(k, int64(0), m.window)
	hits, err := m.counters.IncrementInt64(k, 1)
	if err != nil {
		// The window expired between Add and Increment. Recreate.
		m.counters.Set(k, int64(1), m.window)
		hits = 1
	}

	remaining := m.max - hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{Allowed: hits <= m.max, Remaining: remaining}
	if !res.Allowed {
		res.RetryAfter = winStart.Add(m.window).Sub(now)
	}
	return res, nil
}
