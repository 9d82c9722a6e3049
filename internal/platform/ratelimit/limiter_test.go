package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenStore struct{}

func (brokenStore) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func (brokenStore) SecondsUntilReset(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func newTestLimiter(clock *testClock, cfg Config) *Limiter {
	store := NewMemoryStore(MemoryStoreConfig{Now: clock.Now})
	return NewLimiter(store, cfg, zerolog.Nop())
}

func TestLimiter_PrincipalLimit(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		d, err := l.AllowPrincipal(ctx, "user-1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected admission", i)
		}
	}

	d, err := l.AllowPrincipal(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected the 101st request to be rejected")
	}
	if d.RetryAfter != 60 {
		t.Errorf("expected RetryAfter 60, got %d", d.RetryAfter)
	}
	if !errors.Is(d.Err(), ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", d.Err())
	}

	// Another principal has its own window.
	if d, _ := l.AllowPrincipal(ctx, "user-2"); !d.Allowed {
		t.Error("expected a different principal to be admitted")
	}
}

func TestLimiter_RetryAfterIsMonotonic(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, Config{UserLimit: 1, OriginLimit: 1, Window: time.Minute})
	ctx := context.Background()

	l.AllowPrincipal(ctx, "user-1")

	last := int64(61)
	for i := 0; i < 6; i++ {
		d, err := l.AllowPrincipal(ctx, "user-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed {
			t.Fatalf("step %d: expected rejection", i)
		}
		if d.RetryAfter < 0 || d.RetryAfter > last {
			t.Fatalf("step %d: RetryAfter %d not in [0,%d]", i, d.RetryAfter, last)
		}
		last = d.RetryAfter
		clock.Advance(7 * time.Second)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, Config{UserLimit: 2, OriginLimit: 2, Window: time.Minute})
	ctx := context.Background()

	l.AllowOrigin(ctx, "10.0.0.1")
	l.AllowOrigin(ctx, "10.0.0.1")
	if d, _ := l.AllowOrigin(ctx, "10.0.0.1"); d.Allowed {
		t.Fatal("expected rejection within the window")
	}

	clock.Advance(time.Minute)
	d, _ := l.AllowOrigin(ctx, "10.0.0.1")
	if !d.Allowed {
		t.Fatal("expected admission after the window elapsed")
	}
	if d.Count != 1 {
		t.Errorf("expected a fresh window count of 1, got %d", d.Count)
	}
}

func TestLimiter_NamespacesAreIndependent(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, Config{UserLimit: 1, OriginLimit: 5, Window: time.Minute})
	ctx := context.Background()

	// The same identifier in both namespaces must not share a counter.
	l.AllowPrincipal(ctx, "x")
	if d, _ := l.AllowOrigin(ctx, "x"); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected origin namespace untouched, got %+v", d)
	}
}

func TestLimiter_ConcurrentPrincipal(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, DefaultConfig())
	ctx := context.Background()

	var admitted, rejected int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := l.AllowPrincipal(ctx, "user-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 1)
			} else {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != 100 || rejected != 50 {
		t.Fatalf("expected 100 admitted / 50 rejected, got %d / %d", admitted, rejected)
	}
}

func TestLimiter_StoreFailOpen(t *testing.T) {
	l := NewLimiter(brokenStore{}, DefaultConfig(), zerolog.Nop())
	d, err := l.AllowOrigin(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("expected fail-open admission, got %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected admission")
	}
}

func TestLimiter_StoreFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailClosed = true
	l := NewLimiter(brokenStore{}, cfg, zerolog.Nop())
	_, err := l.AllowOrigin(context.Background(), "10.0.0.1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l := NewLimiter(NewMemoryStore(MemoryStoreConfig{}), Config{}, zerolog.Nop())
	cfg := l.Config()
	if cfg.UserLimit != 100 || cfg.OriginLimit != 1000 || cfg.Window != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestDecision_Remaining(t *testing.T) {
	if r := (Decision{Limit: 10, Count: 3}).Remaining(); r != 7 {
		t.Errorf("expected 7, got %d", r)
	}
	if r := (Decision{Limit: 10, Count: 12}).Remaining(); r != 0 {
		t.Errorf("expected 0, got %d", r)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2, 10.0.0.3"}, "10.0.0.3:5000", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.3:5000", "198.51.100.4"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.4"}, "10.0.0.3:5000", "203.0.113.7"},
		{"socket address", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"empty forwarded", map[string]string{"X-Forwarded-For": " "}, "192.0.2.1:4321", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.9", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
