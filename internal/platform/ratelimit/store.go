// Package ratelimit implements fixed-window request limiting keyed by
// principal and by network origin, over a shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps counter store failures when the limiter is
// configured to fail closed.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store holds per-key window counters. IncrementAndGet must be atomic per
// key: two concurrent callers never observe the same count.
type Store interface {
	// IncrementAndGet increments the key's counter, opening a new window of
	// the given duration when none is active, and returns the new count.
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, error)
	// SecondsUntilReset returns the whole seconds until the key's current
	// window ends, or 0 when no window is active.
	SecondsUntilReset(ctx context.Context, key string) (int64, error)
}

// ceilSeconds rounds a remaining duration up to whole seconds, so a window
// with 200ms left still reports 1.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
