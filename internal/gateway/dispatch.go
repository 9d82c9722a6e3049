package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/breaker"
)

var (
	errDownstream       = errors.New("downstream request failed")
	errResponseTooLarge = errors.New("downstream response too large")
)

const defaultMaxResponseBytes = 32 << 20

// serverFailureError marks a downstream answer that counts as a breaker
// failure while still being passed through to the client.
type serverFailureError struct {
	status int
}

func (e *serverFailureError) Error() string {
	return fmt.Sprintf("downstream answered %d", e.status)
}

// Breakers returns the circuit breaker of a downstream service.
type Breakers interface {
	Get(service string) *breaker.Breaker
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Routes   *RouteTable
	Resolver Resolver
	Breakers Breakers
	// Client performs the forwarded calls. Its own Timeout should be unset;
	// each breaker enforces the per-service timeout.
	Client *http.Client
	// MaxResponseBytes bounds buffered downstream responses.
	MaxResponseBytes int64
}

// Dispatcher forwards admitted requests to their downstream service through
// the service's circuit breaker.
type Dispatcher struct {
	routes   *RouteTable
	resolver Resolver
	breakers Breakers
	client   *http.Client
	maxBytes int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Routes == nil || cfg.Resolver == nil || cfg.Breakers == nil {
		return nil, errors.New("dispatcher: routes, resolver and breakers are required")
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient()
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &Dispatcher{
		routes:   cfg.Routes,
		resolver: cfg.Resolver,
		breakers: cfg.Breakers,
		client:   cfg.Client,
		maxBytes: cfg.MaxResponseBytes,
	}, nil
}

// NewHTTPClient returns the client used for downstream calls. It never
// follows redirects; they are passed back to the caller.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

// Handler forwards the request and copies the downstream response back.
// Downstream 5xx answers are passed through; everything else that goes wrong
// is returned as an error for the pipeline to render.
func (d *Dispatcher) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		rc := requestContextFrom(c)
		if rc == nil {
			return errors.New("dispatcher: request did not pass the pipeline")
		}
		req := c.Request()

		route, err := d.routes.Match(req.URL.Path)
		if err != nil {
			return err
		}
		rc.Route, rc.Service = route.Pattern, route.Service

		base, err := d.resolver.Resolve(route.Service)
		if err != nil {
			return err
		}
		target := targetURL(base, req.URL)

		// The breaker may abandon the call on timeout; the result travels
		// through a buffered channel so a late finish never races the reader.
		result := make(chan *bufferedResponse, 1)
		err = d.breakers.Get(route.Service).Execute(req.Context(), func(ctx context.Context) error {
			resp, err := d.do(ctx, req, rc, target)
			if err != nil {
				return err
			}
			result <- resp
			if isServerFailure(resp.status) {
				return &serverFailureError{status: resp.status}
			}
			return nil
		})

		var sf *serverFailureError
		if err != nil && !errors.As(err, &sf) {
			return err
		}
		return writeResponse(c, <-result)
	}
}

func (d *Dispatcher) do(ctx context.Context, in *http.Request, rc *RequestContext, target string) (*bufferedResponse, error) {
	out, err := http.NewRequestWithContext(ctx, in.Method, target, in.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errDownstream, err)
	}
	out.Header = rc.Outbound
	out.ContentLength = in.ContentLength

	resp, err := d.client.Do(out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", errDownstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read body: %v", errDownstream, err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", errResponseTooLarge, d.maxBytes)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	return &bufferedResponse{status: resp.StatusCode, header: header, body: body}, nil
}

func writeResponse(c echo.Context, resp *bufferedResponse) error {
	h := c.Response().Header()
	for k, vv := range resp.header {
		h.Del(k)
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	c.Response().WriteHeader(resp.status)
	_, err := c.Response().Write(resp.body)
	return err
}

func isServerFailure(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
