// Package gateway runs the request admission pipeline in front of the
// clinical backend services and forwards admitted requests to them.
package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/auth"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/ratelimit"
)

// Identity headers set on forwarded authenticated requests. Client supplied
// values are always removed first.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRoles = "X-User-Roles"
	HeaderRequestID = "X-Request-ID"
)

const requestContextKey = "gateway.request"

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RequestContext is the per-request state threaded through the pipeline
// stages and the dispatcher. It lives exactly as long as the request.
type RequestContext struct {
	RequestID string
	Start     time.Time
	Method    string
	Path      string
	OriginIP  string
	UserAgent string

	// Authorization is the inbound Authorization header value.
	Authorization string
	// Outbound is the header set sent to the downstream. Stages mutate it.
	Outbound http.Header

	// Preflight marks a CORS preflight; it never needs a credential.
	Preflight bool
	Secured   bool
	Token     string
	Claims    *auth.Claims

	// Route and Service are set by the dispatcher once the path is matched.
	Route   string
	Service string

	// RateLimit is the rejecting decision, when a limiter stage rejected.
	RateLimit *ratelimit.Decision
}

// PrincipalID returns the authenticated subject, or "" for anonymous requests.
func (rc *RequestContext) PrincipalID() string {
	if rc.Claims == nil {
		return ""
	}
	return rc.Claims.Subject
}

// Endpoint returns the label used for metrics: the matched route pattern
// when there is one.
func (rc *RequestContext) Endpoint(c echo.Context) string {
	if rc.Route != "" {
		return rc.Route
	}
	if p := c.Path(); p != "" && p != "/*" {
		return p
	}
	return "unmatched"
}

func newRequestContext(c echo.Context) *RequestContext {
	req := c.Request()
	rid, _ := c.Get("request_id").(string)

	out := req.Header.Clone()
	for _, h := range hopHeaders {
		out.Del(h)
	}
	// Connection may name further hop-by-hop headers.
	for _, f := range req.Header.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	out.Del(HeaderUserID)
	out.Del(HeaderUserEmail)
	out.Del(HeaderUserRoles)

	originIP := ratelimit.ClientIP(req)
	if rid != "" {
		out.Set(HeaderRequestID, rid)
	}
	if host := socketIP(req); host != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			out.Set("X-Forwarded-For", prior+", "+host)
		} else {
			out.Set("X-Forwarded-For", host)
		}
	}
	if out.Get("X-Forwarded-Host") == "" {
		out.Set("X-Forwarded-Host", req.Host)
	}
	if out.Get("X-Forwarded-Proto") == "" {
		out.Set("X-Forwarded-Proto", c.Scheme())
	}

	return &RequestContext{
		RequestID:     rid,
		Start:         time.Now(),
		Method:        req.Method,
		Path:          req.URL.Path,
		OriginIP:      originIP,
		UserAgent:     req.UserAgent(),
		Authorization: req.Header.Get("Authorization"),
		Outbound:      out,
		Preflight:     IsPreflight(req),
	}
}

// requestContextFrom returns the RequestContext attached by the pipeline.
func requestContextFrom(c echo.Context) *RequestContext {
	rc, _ := c.Get(requestContextKey).(*RequestContext)
	return rc
}

func socketIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
