package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the decoded claims of an access token issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email"`
	TokenType string   `json:"token_type,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// ValidatorConfig configures a TokenValidator. Exactly one of SigningKey and
// Keys must be set.
type ValidatorConfig struct {
	Issuer   string
	Audience string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Keys       KeySource
	Leeway     time.Duration
}

// TokenValidator verifies bearer credentials and decodes their claims.
type TokenValidator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// NewTokenValidator builds a validator. HMAC algorithms are only accepted
// when a shared signing key is configured, RSA algorithms only with a key
// source, so a token cannot pick its own verification scheme.
func NewTokenValidator(cfg ValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningKey) == 0 && cfg.Keys == nil {
		return nil, errors.New("token validator needs a signing key or a key source")
	}
	if len(cfg.SigningKey) > 0 && cfg.Keys != nil {
		return nil, errors.New("token validator accepts either a signing key or a key source, not both")
	}

	methods := []string{"RS256", "RS384", "RS512"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256", "HS384", "HS512"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenValidator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMalformedCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMalformedCredential
	}
	return token, nil
}

// Validate checks the Authorization header of a secured request and returns
// the decoded claims.
func (v *TokenValidator) Validate(ctx context.Context, header string) (*Claims, error) {
	token, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	return v.ValidateToken(ctx, token)
}

// ValidateToken verifies a raw token. Errors wrap ErrInvalidCredential, or
// ErrAuthorityUnavailable when the key material could not be obtained.
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, v.keyFunc(ctx))
	if err != nil {
		if errors.Is(err, ErrAuthorityUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	if claims.TokenType != "" && !strings.EqualFold(claims.TokenType, "access") {
		return nil, fmt.Errorf("%w: %s token cannot be used for API access", ErrInvalidCredential, claims.TokenType)
	}
	return claims, nil
}

func (v *TokenValidator) keyFunc(ctx context.Context) jwt.Keyfunc {
	if len(v.cfg.SigningKey) > 0 {
		return func(*jwt.Token) (interface{}, error) {
			return v.cfg.SigningKey, nil
		}
	}
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.cfg.Keys.Key(ctx, kid)
	}
}
