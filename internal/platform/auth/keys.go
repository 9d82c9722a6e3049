package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeySource resolves the public key that signed a token. Implementations
// must wrap ErrAuthorityUnavailable when key material cannot be fetched, and
// ErrInvalidCredential when the authority is reachable but does not know kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse represents the response from a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

const (
	// defaultJWKSCacheTTL is the default time-to-live for cached JWKS keys.
	defaultJWKSCacheTTL = 5 * time.Minute
	// defaultJWKSMaxStale is how long expired keys keep being served while
	// the authority cannot be reached.
	defaultJWKSMaxStale = 15 * time.Minute
	// defaultJWKSMinRefresh bounds forced refreshes triggered by unknown kids.
	defaultJWKSMinRefresh = 10 * time.Second
	defaultJWKSFetchTimeout = 5 * time.Second
)

// JWKSCache caches JWKS keys fetched from a remote endpoint with a TTL.
// Concurrent refreshes collapse into one request.
type JWKSCache struct {
	jwksURL    string
	ttl        time.Duration
	maxStale   time.Duration
	minRefresh time.Duration
	client     *http.Client
	now        func() time.Time

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
	lastErr     error

	group singleflight.Group
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithHTTPClient replaces the HTTP client used to fetch keys.
func WithHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMinRefreshInterval bounds how often an unknown kid may force a refetch.
func WithMinRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) { c.minRefresh = d }
}

// NewJWKSCache creates a new JWKS cache that fetches keys from the given URL.
// A non-positive ttl selects the default of five minutes.
func NewJWKSCache(jwksURL string, ttl time.Duration, opts ...JWKSOption) *JWKSCache {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	c := &JWKSCache{
		jwksURL:    jwksURL,
		ttl:        ttl,
		maxStale:   defaultJWKSMaxStale,
		minRefresh: defaultJWKSMinRefresh,
		client:     &http.Client{Timeout: defaultJWKSFetchTimeout},
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the RSA public key for the given kid. An empty kid is accepted
// when the key set holds exactly one key.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := c.now()
	key, fetchedAt, lastAttempt, lastErr := c.lookup(kid)
	fresh := !fetchedAt.IsZero() && now.Sub(fetchedAt) < c.ttl

	if key != nil && fresh {
		return key, nil
	}

	usable := key != nil && now.Sub(fetchedAt) < c.ttl+c.maxStale
	if now.Sub(lastAttempt) < c.minRefresh {
		if usable {
			return key, nil
		}
		if lastErr != nil {
			// The authority failed recently; don't hit it again per request.
			return nil, lastErr
		}
		if fresh {
			// Keys are current and a refetch just happened; the kid is unknown.
			return nil, fmt.Errorf("%w: key %q not found in JWKS", ErrInvalidCredential, kid)
		}
	}

	if err := c.refresh(ctx); err != nil {
		if usable {
			return key, nil
		}
		return nil, err
	}

	if key, _, _, _ = c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: key %q not found in JWKS", ErrInvalidCredential, kid)
}

func (c *JWKSCache) lookup(kid string) (*rsa.PublicKey, time.Time, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var key *rsa.PublicKey
	if kid == "" {
		if len(c.keys) == 1 {
			for _, k := range c.keys {
				key = k
			}
		}
	} else {
		key = c.keys[kid]
	}
	return key, c.fetchedAt, c.lastAttempt, c.lastErr
}

// refresh fetches the key set once for all concurrent callers. A caller
// whose context ends stops waiting; the fetch itself keeps running for the
// others.
func (c *JWKSCache) refresh(ctx context.Context) error {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), defaultJWKSFetchTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch retrieves the JWKS from the remote endpoint and updates the cache.
// The outcome is remembered so failures are not retried before minRefresh.
func (c *JWKSCache) fetch(ctx context.Context) error {
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	err := c.fetchKeys(ctx)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

func (c *JWKSCache) fetchKeys(ctx context.Context) error {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build JWKS request: %v", ErrAuthorityUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrAuthorityUnavailable, c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: JWKS endpoint returned status %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("%w: decoding JWKS response: %v", ErrAuthorityUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pubKey, err := parseRSAPublicKey(k)
		if err != nil {
			continue // skip malformed keys
		}
		keys[k.Kid] = pubKey
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()

	return nil
}

// parseRSAPublicKey converts a JWKSKey to an *rsa.PublicKey.
func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}
