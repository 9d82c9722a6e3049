package auth

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type failingStore struct{ err error }

func (f failingStore) IsBlacklisted(context.Context, string) (bool, error) {
	return false, f.err
}

func TestMemoryStore_RevokeAndCheck(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	store.Revoke("token-abc-123", time.Now().Add(1*time.Hour))

	revoked, err := store.IsBlacklisted(context.Background(), "token-abc-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !revoked {
		t.Error("expected token to be revoked")
	}

	revoked, _ = store.IsBlacklisted(context.Background(), "unknown-token")
	if revoked {
		t.Error("expected unknown token to not be revoked")
	}
}

func TestMemoryStore_ExpiredRecordIsIgnored(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	store.Revoke("old-token", time.Now().Add(-1*time.Second))
	revoked, _ := store.IsBlacklisted(context.Background(), "old-token")
	if revoked {
		t.Error("expected record of an expired token to be ignored")
	}
}

func TestMemoryStore_CleanupRemovesExpiredEntries(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	store.Revoke("expired", time.Now().Add(-1*time.Second))
	store.Revoke("active", time.Now().Add(1*time.Hour))

	if store.Count() != 2 {
		t.Fatalf("expected 2 entries before cleanup, got %d", store.Count())
	}

	store.cleanup()

	if store.Count() != 1 {
		t.Errorf("expected 1 entry after cleanup, got %d", store.Count())
	}
	if revoked, _ := store.IsBlacklisted(context.Background(), "active"); !revoked {
		t.Error("expected active token to remain revoked")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	var wg sync.WaitGroup
	const goroutines = 100
	wg.Add(goroutines * 2)

	for i := 0; i < goroutines; i++ {
		token := "token-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			store.Revoke(token, time.Now().Add(1*time.Hour))
		}()
		go func() {
			defer wg.Done()
			_, _ = store.IsBlacklisted(context.Background(), token)
		}()
	}
	wg.Wait()

	if store.Count() != goroutines {
		t.Errorf("expected %d entries, got %d", goroutines, store.Count())
	}
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	store := NewMemoryRevocationStore()
	store.Close()
	store.Close()

	store.Revoke("after-close", time.Now().Add(1*time.Hour))
	if revoked, _ := store.IsBlacklisted(context.Background(), "after-close"); !revoked {
		t.Error("expected store to still work after Close")
	}
}

func TestRevocationChecker_FailClosed(t *testing.T) {
	c := NewRevocationChecker(failingStore{err: errors.New("connection refused")}, false, zerolog.Nop())

	revoked, err := c.IsRevoked(context.Background(), "tok")
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Fatalf("expected ErrRevocationUnavailable, got %v", err)
	}
	if revoked {
		t.Error("expected revoked=false alongside the error")
	}
}

func TestRevocationChecker_FailOpen(t *testing.T) {
	c := NewRevocationChecker(failingStore{err: errors.New("connection refused")}, true, zerolog.Nop())

	revoked, err := c.IsRevoked(context.Background(), "tok")
	if err != nil {
		t.Fatalf("expected fail-open to swallow the error, got %v", err)
	}
	if revoked {
		t.Error("expected token to be admitted")
	}
}

func TestRevocationChecker_CancelledContext(t *testing.T) {
	c := NewRevocationChecker(failingStore{err: context.Canceled}, true, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.IsRevoked(ctx, "tok"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestRedisStore runs against a real Redis when REDIS_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	prefix := "test-blacklist:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	store := NewRedisRevocationStore(client, prefix)

	if revoked, err := store.IsBlacklisted(ctx, "tok"); err != nil || revoked {
		t.Fatalf("expected clean store, got revoked=%v err=%v", revoked, err)
	}
	if err := store.Revoke(ctx, "tok", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, err := store.IsBlacklisted(ctx, "tok"); err != nil || !revoked {
		t.Fatalf("expected revoked token, got revoked=%v err=%v", revoked, err)
	}
	client.Del(ctx, prefix+"tok")
}
