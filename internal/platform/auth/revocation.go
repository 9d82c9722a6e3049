package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RevocationStore answers whether a credential was invalidated out of band
// (logout, admin revocation). The auth service owns the records; the
// gateway only reads them.
type RevocationStore interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// RevocationChecker consults a RevocationStore with an explicit policy for
// store failures.
type RevocationChecker struct {
	store    RevocationStore
	failOpen bool
	logger   zerolog.Logger
}

// NewRevocationChecker creates a checker. With failOpen set, a store error
// is logged and the credential is treated as not revoked; otherwise the
// error is returned wrapped in ErrRevocationUnavailable.
func NewRevocationChecker(store RevocationStore, failOpen bool, logger zerolog.Logger) *RevocationChecker {
	return &RevocationChecker{store: store, failOpen: failOpen, logger: logger}
}

// IsRevoked reports whether the exact credential has been revoked.
func (c *RevocationChecker) IsRevoked(ctx context.Context, token string) (bool, error) {
	revoked, err := c.store.IsBlacklisted(ctx, token)
	if err == nil {
		return revoked, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if c.failOpen {
		c.logger.Warn().Err(err).Msg("revocation store unavailable, admitting token (fail-open)")
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

// RedisRevocationStore reads revocation records written by the auth service
// as keys "<prefix><token>".
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevocationStore creates a store over an existing client.
func NewRedisRevocationStore(client redis.UniversalClient, prefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: prefix}
}

// IsBlacklisted checks for the presence of the token's revocation key.
func (s *RedisRevocationStore) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Revoke writes a revocation record that expires with the token. The
// gateway never calls this on the request path; it exists for tooling and
// tests that play the auth service's role.
func (s *RedisRevocationStore) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("revocation ttl must be positive")
	}
	return s.client.Set(ctx, s.prefix+token, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryRevocationStore keeps revoked tokens in memory with automatic
// cleanup of records whose tokens have expired anyway. It backs single
// instance development setups and tests. Thread-safe for concurrent access.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token -> natural expiry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevocationStore creates a new store and starts a background
// goroutine that cleans up expired entries every 5 minutes.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	s := &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(5 * time.Minute)
	return s
}

// Revoke adds a token to the revocation list. The expiresAt time indicates
// when the token would have naturally expired; the entry is dropped after
// that time.
func (s *MemoryRevocationStore) Revoke(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = expiresAt
}

// IsBlacklisted checks if a token has been revoked and has not expired yet.
func (s *MemoryRevocationStore) IsBlacklisted(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.entries[token]
	if !ok {
		return false, nil
	}
	return s.now().Before(exp), nil
}

// Count returns the number of currently stored revocations.
func (s *MemoryRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background cleanup goroutine. It is safe to call
// multiple times.
func (s *MemoryRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevocationStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes revocation entries whose tokens have expired.
func (s *MemoryRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for token, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, token)
		}
	}
}
