package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrLimitExceeded is matched by every *ExceededError.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Scope names the key namespace a decision was taken in.
type Scope string

const (
	ScopePrincipal Scope = "user"
	ScopeOrigin    Scope = "ip"
)

// Config holds the limits of both namespaces. They share one window length.
type Config struct {
	UserLimit   int
	OriginLimit int
	Window      time.Duration
	// FailClosed rejects requests when the store cannot be reached. The
	// default admits them and logs the failure.
	FailClosed bool
}

// DefaultConfig returns 100 requests per minute per principal and 1000 per
// minute per origin.
func DefaultConfig() Config {
	return Config{UserLimit: 100, OriginLimit: 1000, Window: time.Minute}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Scope   Scope
	Key     string
	Allowed bool
	Count   int64
	Limit   int
	// RetryAfter is the number of whole seconds until the key's window
	// resets. Only populated for rejected requests.
	RetryAfter int64
	Window     time.Duration
}

// Remaining returns how many more requests the window admits.
func (d Decision) Remaining() int64 {
	if r := int64(d.Limit) - d.Count; r > 0 {
		return r
	}
	return 0
}

// Err returns nil for admitted decisions and an *ExceededError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Decision: d}
}

// ExceededError carries the rejected decision so callers can build the
// retry hint.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, retry in %ds)", e.Decision.Scope, e.Decision.Limit, e.Decision.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Limiter counts requests per principal and per origin in two independent
// fixed-window namespaces over one Store.
type Limiter struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// NewLimiter creates a limiter. Zero values in cfg fall back to DefaultConfig.
func NewLimiter(store Store, cfg Config, logger zerolog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.UserLimit <= 0 {
		cfg.UserLimit = def.UserLimit
	}
	if cfg.OriginLimit <= 0 {
		cfg.OriginLimit = def.OriginLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// AllowPrincipal counts one request for an authenticated principal.
func (l *Limiter) AllowPrincipal(ctx context.Context, principalID string) (Decision, error) {
	return l.allow(ctx, ScopePrincipal, principalID, l.cfg.UserLimit)
}

// AllowOrigin counts one request for a network origin.
func (l *Limiter) AllowOrigin(ctx context.Context, ip string) (Decision, error) {
	return l.allow(ctx, ScopeOrigin, ip, l.cfg.OriginLimit)
}

func (l *Limiter) allow(ctx context.Context, scope Scope, id string, limit int) (Decision, error) {
	d := Decision{
		Scope:  scope,
		Key:    Key(scope, id),
		Limit:  limit,
		Window: l.cfg.Window,
	}

	count, err := l.store.IncrementAndGet(ctx, d.Key, l.cfg.Window)
	if err != nil {
		return l.storeFailure(ctx, d, err)
	}
	d.Count = count
	if count <= int64(limit) {
		d.Allowed = true
		return d, nil
	}

	retry, err := l.store.SecondsUntilReset(ctx, d.Key)
	if err != nil {
		// The request is over the limit either way; fall back to a full window.
		l.logger.Warn().Err(err).Str("key", d.Key).Msg("failed to read window reset")
		retry = ceilSeconds(l.cfg.Window)
	}
	d.RetryAfter = retry
	return d, nil
}

func (l *Limiter) storeFailure(ctx context.Context, d Decision, err error) (Decision, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return d, ctxErr
	}
	if l.cfg.FailClosed {
		return d, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.logger.Warn().Err(err).Str("key", d.Key).Msg("rate limit store unavailable, admitting request (fail-open)")
	d.Allowed = true
	return d, nil
}

// Key builds the store key for an identifier in a namespace.
func Key(scope Scope, id string) string {
	return "rl:" + string(scope) + ":" + id
}

// ClientIP returns the originating address of a request: the first hop of
// X-Forwarded-For, then X-Real-IP, then the socket peer.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
