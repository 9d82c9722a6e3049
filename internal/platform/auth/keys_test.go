package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestJWKSCache_ServesStaleKeyWhileAuthorityDown(t *testing.T) {
	key := generateKey(t)
	var failing atomic.Bool
	body := jwksBody(t, &key.PublicKey, "k1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	cache := NewJWKSCache(srv.URL, time.Minute, WithClock(clock.Now))

	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	failing.Store(true)
	clock.Advance(2 * time.Minute)
	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("expected stale key inside grace period, got %v", err)
	}

	clock.Advance(time.Hour)
	_, err := cache.Key(context.Background(), "k1")
	if !errors.Is(err, ErrAuthorityUnavailable) {
		t.Fatalf("expected ErrAuthorityUnavailable after grace period, got %v", err)
	}
}

func TestJWKSCache_ConcurrentMissesFetchOnce(t *testing.T) {
	key := generateKey(t)
	var hits int32
	srv := jwksServer(t, &key.PublicKey, "k1", &hits)
	cache := NewJWKSCache(srv.URL, time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Key(context.Background(), "k1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got > 2 {
		t.Errorf("expected concurrent misses to collapse into one fetch, got %d", got)
	}
}

func TestJWKSCache_UnknownKidDoesNotRefetchImmediately(t *testing.T) {
	key := generateKey(t)
	var hits int32
	srv := jwksServer(t, &key.PublicKey, "k1", &hits)
	cache := NewJWKSCache(srv.URL, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := cache.Key(context.Background(), "unknown")
		if !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("expected ErrInvalidCredential, got %v", err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected a single fetch, got %d", got)
	}
}

func TestJWKSCache_AuthorityDownFetchesAtMostOncePerInterval(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	cache := NewJWKSCache(srv.URL, time.Minute, WithClock(clock.Now))

	for i := 0; i < 20; i++ {
		_, err := cache.Key(context.Background(), "k1")
		if !errors.Is(err, ErrAuthorityUnavailable) {
			t.Fatalf("call %d: expected ErrAuthorityUnavailable, got %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected 1 JWKS fetch during the outage, got %d", got)
	}

	clock.Advance(defaultJWKSMinRefresh)
	if _, err := cache.Key(context.Background(), "k1"); !errors.Is(err, ErrAuthorityUnavailable) {
		t.Fatalf("expected ErrAuthorityUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected a retry once the interval passed, got %d fetches", got)
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	if _, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: "!!!", E: "AQAB"}); err == nil {
		t.Error("expected error for invalid modulus")
	}
	if _, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: "", E: ""}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestDiscoverOIDCProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"http://issuer","jwks_uri":"http://issuer/jwks"}`))
	}))
	defer srv.Close()

	p, err := DiscoverOIDCProvider(context.Background(), srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.JWKSURI != "http://issuer/jwks" {
		t.Errorf("unexpected jwks_uri %q", p.JWKSURI)
	}
}

func TestDiscoverOIDCProvider_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := DiscoverOIDCProvider(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrAuthorityUnavailable) {
		t.Fatalf("expected ErrAuthorityUnavailable, got %v", err)
	}

	ks := NewDiscoveredKeySource(srv.URL, time.Minute, nil)
	if _, err := ks.Key(context.Background(), "k1"); !errors.Is(err, ErrAuthorityUnavailable) {
		t.Fatalf("expected ErrAuthorityUnavailable from discovered source, got %v", err)
	}
}
