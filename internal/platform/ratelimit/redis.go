package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments the counter and starts the window on the first
// hit. A key left without a TTL (e.g. written by an older client) gets one
// here as well, so it cannot pin a principal at the limit forever.
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStore is a Store shared by every gateway instance.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// IncrementAndGet implements Store with a single atomic script call.
func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, error) {
	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	current, err := incrementScript.Run(ctx, s.client, []string{key}, windowMillis).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return current, nil
}

// SecondsUntilReset implements Store.
func (s *RedisStore) SecondsUntilReset(ctx context.Context, key string) (int64, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	// go-redis reports missing keys and keys without expiry as negative durations.
	return ceilSeconds(ttl), nil
}
