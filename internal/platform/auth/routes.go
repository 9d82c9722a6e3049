package auth

import (
	"path"
	"strings"
)

// DefaultPublicRoutes lists the paths that bypass authentication: login and
// token refresh, the public key endpoint, health checks, metrics and the
// internal discovery endpoints.
var DefaultPublicRoutes = []string{
	"/api/v1/auth/login",
	"/api/v1/auth/refresh",
	"/api/v1/auth/public-key",
	"/health",
	"/health/**",
	"/metrics",
	"/eureka/**",
}

// RouteClassifier decides whether a request path requires authentication.
// Entries ending in "/**" match the prefix and everything below it; all
// other entries match exactly.
type RouteClassifier struct {
	exact    map[string]bool
	prefixes []string
	patterns []string
}

// NewRouteClassifier builds a classifier from allow-list patterns. Empty
// patterns are ignored.
func NewRouteClassifier(patterns []string) *RouteClassifier {
	rc := &RouteClassifier{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rc.patterns = append(rc.patterns, p)
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if prefix == "" {
				prefix = "/"
			}
			rc.prefixes = append(rc.prefixes, prefix)
			continue
		}
		rc.exact[p] = true
	}
	return rc
}

// IsSecured reports whether the path needs a valid credential. It returns
// false iff the path equals an allow-listed entry or lies under an
// allow-listed prefix.
func (rc *RouteClassifier) IsSecured(requestPath string) bool {
	p := normalizePath(requestPath)
	if rc.exact[p] {
		return false
	}
	for _, prefix := range rc.prefixes {
		if prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			return false
		}
	}
	return true
}

// Patterns returns the allow-list in configuration order.
func (rc *RouteClassifier) Patterns() []string {
	out := make([]string, len(rc.patterns))
	copy(out, rc.patterns)
	return out
}

// normalizePath cleans dot segments and duplicate slashes so that
// "/health/../api/v1/patients" cannot ride on a public prefix.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
