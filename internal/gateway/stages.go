package gateway

import (
	"context"
	"strings"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/auth"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/ratelimit"
)

// Stage is one step of the admission pipeline. A non-nil error ends the
// request with the response the error resolves to.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *RequestContext) error
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, rc *RequestContext) error
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context, rc *RequestContext) error {
	return s.Fn(ctx, rc)
}

// TokenValidator verifies the Authorization header of a secured request.
type TokenValidator interface {
	Validate(ctx context.Context, header string) (*auth.Claims, error)
}

// RevocationChecker reports whether a validated token was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// RateLimiter admits requests per principal and per origin.
type RateLimiter interface {
	AllowPrincipal(ctx context.Context, principalID string) (ratelimit.Decision, error)
	AllowOrigin(ctx context.Context, ip string) (ratelimit.Decision, error)
}

// Metrics receives pipeline rejection counts.
type Metrics interface {
	RateLimited(scope string)
	AuthFailure(reason string)
}

// Stage names, in pipeline order.
const (
	StageClassify           = "classify"
	StageAuthenticate       = "authenticate"
	StageRevocation         = "revocation"
	StageIdentity           = "identity"
	StageOriginRateLimit    = "origin-rate-limit"
	StagePrincipalRateLimit = "principal-rate-limit"
)

// StageOrder is the execution order of the stages NewPipeline builds.
var StageOrder = []string{
	StageClassify,
	StageAuthenticate,
	StageRevocation,
	StageIdentity,
	StageOriginRateLimit,
	StagePrincipalRateLimit,
}

// ClassifyStage marks whether the path needs a credential. Browsers send
// CORS preflights without one, so they are treated as public.
func ClassifyStage(routes *auth.RouteClassifier) Stage {
	return StageFunc{StageClassify, func(_ context.Context, rc *RequestContext) error {
		rc.Secured = !rc.Preflight && routes.IsSecured(rc.Path)
		return nil
	}}
}

// AuthenticateStage validates the bearer credential of secured requests.
// Public requests pass through without touching the validator.
func AuthenticateStage(v TokenValidator) Stage {
	return StageFunc{StageAuthenticate, func(ctx context.Context, rc *RequestContext) error {
		if !rc.Secured {
			return nil
		}
		claims, err := v.Validate(ctx, rc.Authorization)
		if err != nil {
			return err
		}
		token, err := auth.BearerToken(rc.Authorization)
		if err != nil {
			return err
		}
		rc.Claims = claims
		rc.Token = token
		return nil
	}}
}

// RevocationStage rejects validated tokens that were revoked. It only runs
// after a successful validation.
func RevocationStage(c RevocationChecker) Stage {
	return StageFunc{StageRevocation, func(ctx context.Context, rc *RequestContext) error {
		if rc.Claims == nil {
			return nil
		}
		revoked, err := c.IsRevoked(ctx, rc.Token)
		if err != nil {
			return err
		}
		if revoked {
			return auth.ErrRevokedCredential
		}
		return nil
	}}
}

// IdentityStage forwards the resolved principal to the downstream so it does
// not have to verify the credential again.
func IdentityStage() Stage {
	return StageFunc{StageIdentity, func(_ context.Context, rc *RequestContext) error {
		if rc.Claims == nil {
			return nil
		}
		rc.Outbound.Set(HeaderUserID, rc.Claims.Subject)
		if rc.Claims.Email != "" {
			rc.Outbound.Set(HeaderUserEmail, rc.Claims.Email)
		}
		if len(rc.Claims.Roles) > 0 {
			rc.Outbound.Set(HeaderUserRoles, strings.Join(rc.Claims.Roles, ","))
		}
		return nil
	}}
}

// OriginRateLimitStage limits every request by network origin.
func OriginRateLimitStage(l RateLimiter, m Metrics) Stage {
	return StageFunc{StageOriginRateLimit, func(ctx context.Context, rc *RequestContext) error {
		d, err := l.AllowOrigin(ctx, rc.OriginIP)
		if err != nil {
			return err
		}
		return rejectIfLimited(rc, d, m)
	}}
}

// PrincipalRateLimitStage limits authenticated requests by principal.
func PrincipalRateLimitStage(l RateLimiter, m Metrics) Stage {
	return StageFunc{StagePrincipalRateLimit, func(ctx context.Context, rc *RequestContext) error {
		id := rc.PrincipalID()
		if id == "" {
			return nil
		}
		d, err := l.AllowPrincipal(ctx, id)
		if err != nil {
			return err
		}
		return rejectIfLimited(rc, d, m)
	}}
}

func rejectIfLimited(rc *RequestContext, d ratelimit.Decision, m Metrics) error {
	if d.Allowed {
		return nil
	}
	rc.RateLimit = &d
	if m != nil {
		m.RateLimited(string(d.Scope))
	}
	return d.Err()
}
