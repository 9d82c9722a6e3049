package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/auth"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/breaker"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/ratelimit"
)

// StatusClientClosedRequest is recorded when the client went away before a
// response could be written.
const StatusClientClosedRequest = 499

// ErrorBody is the JSON shape of every response the gateway produces itself.
type ErrorBody struct {
	Error           string `json:"error"`
	Status          int    `json:"status"`
	Timestamp       string `json:"timestamp"`
	RemainingTokens *int64 `json:"remainingTokens,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

// failure is an error resolved to a response.
type failure struct {
	status  int
	message string
	// reason is a stable label for metrics.
	reason string
}

// resolveError maps pipeline and dispatch errors to responses. Messages
// never include wrapped detail; that goes to the log.
func resolveError(err error) failure {
	var he *echo.HTTPError
	var exceeded *ratelimit.ExceededError

	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return failure{http.StatusUnauthorized, "Missing authorization header", "missing_credential"}
	case errors.Is(err, auth.ErrMalformedCredential):
		return failure{http.StatusUnauthorized, "Invalid authorization format", "malformed_credential"}
	case errors.Is(err, auth.ErrRevokedCredential):
		return failure{http.StatusUnauthorized, "Token has been revoked", "revoked_credential"}
	case errors.Is(err, auth.ErrInvalidCredential):
		return failure{http.StatusUnauthorized, "Invalid or expired token", "invalid_credential"}
	case errors.Is(err, auth.ErrAuthorityUnavailable):
		return failure{http.StatusServiceUnavailable, "Authentication service unavailable, please retry", "authority_unavailable"}
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return failure{http.StatusServiceUnavailable, "Token revocation check unavailable, please retry", "revocation_unavailable"}
	case errors.As(err, &exceeded):
		return failure{http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", "rate_limited_" + string(exceeded.Decision.Scope)}
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return failure{http.StatusServiceUnavailable, "Rate limiting unavailable, please retry", "rate_limit_unavailable"}
	case errors.Is(err, breaker.ErrOpen):
		return failure{http.StatusServiceUnavailable, "Service temporarily unavailable", "circuit_open"}
	case errors.Is(err, breaker.ErrTimeout):
		return failure{http.StatusGatewayTimeout, "Downstream service timed out", "downstream_timeout"}
	case errors.Is(err, ErrNoRoute):
		return failure{http.StatusNotFound, "No route for request path", "no_route"}
	case errors.Is(err, ErrUnknownService):
		return failure{http.StatusServiceUnavailable, "Service temporarily unavailable", "unknown_service"}
	case errors.Is(err, errResponseTooLarge):
		return failure{http.StatusBadGateway, "Downstream response too large", "response_too_large"}
	case errors.Is(err, errDownstream):
		return failure{http.StatusBadGateway, "Downstream service unreachable", "bad_gateway"}
	case errors.Is(err, context.Canceled):
		return failure{StatusClientClosedRequest, "Client closed request", "client_closed"}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return failure{he.Code, msg, "http_" + strconv.Itoa(he.Code)}
	default:
		return failure{http.StatusInternalServerError, "Internal server error", "internal"}
	}
}

// writeError renders err as a JSON error response and returns the status it
// resolved to. Nothing is written for requests whose client is gone, or
// whose response is already committed.
func writeError(c echo.Context, err error, requestID string) failure {
	f := resolveError(err)
	if f.status == StatusClientClosedRequest || c.Response().Committed {
		return f
	}

	body := ErrorBody{
		Error:     f.message,
		Status:    f.status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		d := exceeded.Decision
		remaining := d.RetryAfter
		body.RemainingTokens = &remaining
		h := c.Response().Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("Retry-After", strconv.FormatInt(int64(d.Window/time.Second), 10))
	}

	if jerr := c.JSON(f.status, body); jerr != nil {
		c.Logger().Error(jerr)
	}
	return f
}

// HTTPErrorHandler renders errors that escape handlers and middleware, such
// as router 404/405 and recovered panics, in the gateway's JSON shape.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		rid, _ := c.Get("request_id").(string)
		f := writeError(c, err, rid)
		if f.status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Int("status", f.status).
				Msg("request failed")
		}
	}
}
