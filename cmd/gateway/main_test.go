package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/YmidOrtega/Clinica-sub001/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "test",
		LogLevel:               "debug",
		AuthIssuer:             "clinica-auth",
		AuthSigningKey:         "test-signing-key",
		CORSOrigins:            []string{"http://localhost:3000"},
		CORSMethods:            []string{http.MethodGet, http.MethodPost},
		PublicRoutes:           []string{"/api/v1/auth/login", "/health", "/metrics"},
		RateLimitUserPerWindow: 100,
		RateLimitIPPerWindow:   1000,
		RateLimitWindow:        time.Minute,
		RecorderBuffer:         64,
		ServiceURLs:            map[string]string{"patient-service": "http://127.0.0.1:1"},
		Routes:                 []config.Route{{Pattern: "/api/v1/**", Service: "patient-service"}},
		Downstreams:            config.DefaultDownstreams(),
	}
}

func buildTestApp(t *testing.T) *app {
	t.Helper()
	a, err := build(context.Background(), testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Close(ctx)
	})
	return a
}

func TestBuild_HealthWithoutBackingServices(t *testing.T) {
	a := buildTestApp(t)

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on the response")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on the response")
	}
	if !strings.Contains(rec.Body.String(), "patient-service") {
		t.Errorf("expected circuit listing, got %s", rec.Body.String())
	}
}

func TestBuild_SecuredRouteRequiresToken(t *testing.T) {
	a := buildTestApp(t)

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rid := rec.Header().Get("X-Request-ID")
	if rid == "" || !strings.Contains(rec.Body.String(), rid) {
		t.Errorf("expected request id %q in error body %s", rid, rec.Body.String())
	}
}

func TestBuild_PreflightPassesThroughOriginLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitIPPerWindow = 2
	a, err := build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close(context.Background())

	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/patients", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		a.echo.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if i == 0 && rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("expected preflight answered with allow-origin, got headers %v", rec.Header())
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent ||
		codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("expected [204 204 429 429], got %v", codes)
	}
}

func TestBuild_MetricsEndpoint(t *testing.T) {
	a := buildTestApp(t)

	a.echo.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil))

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"circuit_state", "auth_failures_total", "requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestBuild_RejectsBadRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = []config.Route{{Pattern: "api/**", Service: "patient-service"}}
	if _, err := build(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for relative route pattern")
	}
}

func TestNewValidator_NeedsKeyMaterial(t *testing.T) {
	cfg := testConfig()
	if _, err := newValidator(cfg); err != nil {
		t.Fatalf("signing key: %v", err)
	}
	cfg.AuthSigningKey = ""
	cfg.AuthJWKSURL = "http://auth/.well-known/jwks.json"
	if _, err := newValidator(cfg); err != nil {
		t.Fatalf("jwks url: %v", err)
	}
	cfg.AuthJWKSURL = ""
	if _, err := newValidator(cfg); err != nil {
		t.Fatalf("issuer discovery: %v", err)
	}
}

func TestBreakerConfigs(t *testing.T) {
	cfg := testConfig()
	got := breakerConfigs(cfg)
	ai := got["ai-assistant-service"]
	if ai.Timeout != 30*time.Second || ai.SlidingWindowSize != 5 || ai.SlowCallRateThreshold != 80 {
		t.Errorf("unexpected ai profile %+v", ai)
	}
	if _, ok := got["default"]; !ok {
		t.Error("expected default profile")
	}
}

func TestWriteTimeout(t *testing.T) {
	if got := writeTimeout(testConfig()); got != 35*time.Second {
		t.Errorf("expected 35s, got %s", got)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "WARN"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn, got %s", got)
	}
	cfg.LogLevel = "nonsense"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestPrintRoutes(t *testing.T) {
	var buf bytes.Buffer
	printRoutes(&buf, testConfig())
	out := buf.String()
	for _, want := range []string{"/api/v1/auth/login", "/api/v1/**", "patient-service", "principal-rate-limit", "default"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
