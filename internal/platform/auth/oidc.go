package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider represents the parts of an OpenID Connect discovery document
// the gateway needs to verify tokens issued by the auth service.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	TokenEndpoint           string   `json:"token_endpoint"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// DiscoverOIDCProvider fetches and parses the discovery document published
// at <issuer>/.well-known/openid-configuration. Network failures wrap
// ErrAuthorityUnavailable.
func DiscoverOIDCProvider(ctx context.Context, issuerURL string, client *http.Client) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	issuerURL = strings.TrimRight(issuerURL, "/")
	discoveryURL := issuerURL + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building OIDC discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching OIDC discovery document: %v", ErrAuthorityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: OIDC discovery endpoint returned status %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}

	if provider.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}

	return &provider, nil
}

// lazyJWKS defers OIDC discovery until the first token arrives, so the
// gateway can start while the auth service is still coming up.
type lazyJWKS struct {
	issuer string
	client *http.Client
	ttl    time.Duration

	sem   chan struct{}
	cache *JWKSCache
}

// NewDiscoveredKeySource returns a KeySource whose JWKS URL is discovered
// from the issuer on first use. Discovery failures surface as
// ErrAuthorityUnavailable and are retried on the next call.
func NewDiscoveredKeySource(issuer string, ttl time.Duration, client *http.Client) KeySource {
	return &lazyJWKS{issuer: issuer, client: client, ttl: ttl, sem: make(chan struct{}, 1)}
}

func (l *lazyJWKS) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	cache := l.cache
	if cache == nil {
		provider, err := DiscoverOIDCProvider(ctx, l.issuer, l.client)
		if err != nil {
			<-l.sem
			return nil, err
		}
		cache = NewJWKSCache(provider.JWKSURI, l.ttl, WithHTTPClient(l.client))
		l.cache = cache
	}
	<-l.sem
	return cache.Key(ctx, kid)
}
