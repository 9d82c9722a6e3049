package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

var (
	// ErrNoRoute is returned when no route pattern matches the request path.
	ErrNoRoute = errors.New("no route for path")
	// ErrUnknownService is returned when a route names a service discovery
	// cannot resolve.
	ErrUnknownService = errors.New("unknown downstream service")
)

// Route maps a path pattern to a logical service. Patterns ending in "/**"
// match the prefix and everything below it; other patterns match exactly.
type Route struct {
	Pattern string
	Service string

	prefix string
	exact  bool
}

// RouteTable resolves request paths to services. The first matching route
// wins, in configuration order.
type RouteTable struct {
	routes []Route
}

// NewRouteTable compiles the given routes.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{}
	for _, r := range routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("route pattern %q must start with /", r.Pattern)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("route %q has no service", r.Pattern)
		}
		if prefix, ok := strings.CutSuffix(r.Pattern, "/**"); ok {
			r.prefix = prefix
		} else {
			r.exact = true
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Match returns the first route matching the path.
func (t *RouteTable) Match(requestPath string) (Route, error) {
	p := path.Clean("/" + requestPath)
	for _, r := range t.routes {
		if r.exact {
			if p == r.Pattern {
				return r, nil
			}
			continue
		}
		if r.prefix == "" || p == r.prefix || strings.HasPrefix(p, r.prefix+"/") {
			return r, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, requestPath)
}

// Routes returns the table in match order.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Resolver turns a logical service name into a base URL.
type Resolver interface {
	Resolve(service string) (*url.URL, error)
}

// StaticResolver is a Resolver over a fixed name to URL map.
type StaticResolver struct {
	services map[string]*url.URL
}

// NewStaticResolver parses the given base URLs.
func NewStaticResolver(services map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{services: make(map[string]*url.URL, len(services))}
	for name, raw := range services {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("service %s: base URL %q needs scheme and host", name, raw)
		}
		r.services[name] = u
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(service string) (*url.URL, error) {
	u, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return u, nil
}

// Services returns the known service names, sorted.
func (r *StaticResolver) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// targetURL joins the base URL with the inbound path and query.
func targetURL(base *url.URL, in *url.URL) string {
	u := *base
	u.Path = singleJoiningSlash(base.Path, in.Path)
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	if base.RawQuery != "" && in.RawQuery != "" {
		u.RawQuery = base.RawQuery + "&" + in.RawQuery
	} else if base.RawQuery != "" {
		u.RawQuery = base.RawQuery
	}
	return u.String()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
