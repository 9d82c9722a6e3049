package config

import (
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Downstream holds the circuit breaker and timeout parameters for one
// downstream service. Percentages are expressed in the range (0, 100].
type Downstream struct {
	FailureRateThreshold     float64       `mapstructure:"failure_rate_threshold"`
	SlowCallRateThreshold    float64       `mapstructure:"slow_call_rate_threshold"`
	SlowCallDuration         time.Duration `mapstructure:"slow_call_duration"`
	SlidingWindowSize        int           `mapstructure:"sliding_window_size"`
	MinimumCalls             int           `mapstructure:"minimum_calls"`
	WaitDurationInOpen       time.Duration `mapstructure:"wait_duration_in_open"`
	PermittedCallsInHalfOpen int           `mapstructure:"permitted_calls_in_half_open"`
	Timeout                  time.Duration `mapstructure:"timeout"`
}

// Route maps a path pattern ("/api/v1/patients/**") to a logical service name.
type Route struct {
	Pattern string
	Service string
}

type Config struct {
	Port       string `mapstructure:"PORT"`
	Env        string `mapstructure:"ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	ConfigFile string `mapstructure:"CONFIG_FILE"`

	RedisURL    string `mapstructure:"REDIS_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthKeyCacheTTL time.Duration `mapstructure:"AUTH_KEY_CACHE_TTL"`

	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	CORSMethods  []string `mapstructure:"CORS_METHODS"`
	PublicRoutes []string `mapstructure:"PUBLIC_ROUTES"`

	RateLimitUserPerWindow int           `mapstructure:"RATE_LIMIT_USER_PER_WINDOW"`
	RateLimitIPPerWindow   int           `mapstructure:"RATE_LIMIT_IP_PER_WINDOW"`
	RateLimitWindow        time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitFailClosed    bool          `mapstructure:"RATE_LIMIT_FAIL_CLOSED"`

	RevocationFailOpen  bool   `mapstructure:"REVOCATION_FAIL_OPEN"`
	RevocationKeyPrefix string `mapstructure:"REVOCATION_KEY_PREFIX"`

	RecorderBuffer   int   `mapstructure:"RECORDER_BUFFER"`
	MaxResponseBytes int64 `mapstructure:"MAX_RESPONSE_BYTES"`

	// ServiceURLs resolves logical service names to base URLs.
	ServiceURLs map[string]string `mapstructure:"-"`
	// Routes is ordered; the first matching pattern wins.
	Routes []Route `mapstructure:"-"`
	// Downstreams is keyed by service name. "default" applies to services
	// without an entry of their own.
	Downstreams map[string]Downstream `mapstructure:"downstreams"`
}

const (
	defaultServiceURLs = "auth-service=http://localhost:8081," +
		"patient-service=http://localhost:8082," +
		"admissions-service=http://localhost:8083," +
		"suppliers-service=http://localhost:8084," +
		"ai-assistant-service=http://localhost:8085"

	defaultRoutes = "/api/v1/auth/**=auth-service," +
		"/api/v1/users/**=auth-service," +
		"/api/v1/patients/**=patient-service," +
		"/api/v1/admissions/**=admissions-service," +
		"/api/v1/attentions/**=admissions-service," +
		"/api/v1/invoices/**=admissions-service," +
		"/api/v1/suppliers/**=suppliers-service," +
		"/api/v1/ai/**=ai-assistant-service"

	defaultPublicRoutes = "/api/v1/auth/login,/api/v1/auth/refresh,/api/v1/auth/public-key," +
		"/health,/health/**,/metrics,/eureka/**"
)

// DefaultDownstreams returns the built-in breaker profiles: a tolerant one
// for the auth path, a slow one for AI-backed calls and a moderate default.
func DefaultDownstreams() map[string]Downstream {
	return map[string]Downstream{
		"default": {
			FailureRateThreshold:     50,
			SlowCallRateThreshold:    100,
			SlowCallDuration:         2 * time.Second,
			SlidingWindowSize:        10,
			MinimumCalls:             3,
			WaitDurationInOpen:       30 * time.Second,
			PermittedCallsInHalfOpen: 3,
			Timeout:                  5 * time.Second,
		},
		"auth-service": {
			FailureRateThreshold:     70,
			SlowCallRateThreshold:    100,
			SlowCallDuration:         3 * time.Second,
			SlidingWindowSize:        20,
			MinimumCalls:             5,
			WaitDurationInOpen:       20 * time.Second,
			PermittedCallsInHalfOpen: 5,
			Timeout:                  5 * time.Second,
		},
		"ai-assistant-service": {
			FailureRateThreshold:     50,
			SlowCallRateThreshold:    80,
			SlowCallDuration:         20 * time.Second,
			SlidingWindowSize:        5,
			MinimumCalls:             3,
			WaitDurationInOpen:       60 * time.Second,
			PermittedCallsInHalfOpen: 2,
			Timeout:                  30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_KEY_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CORS_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	v.SetDefault("PUBLIC_ROUTES", defaultPublicRoutes)
	v.SetDefault("RATE_LIMIT_USER_PER_WINDOW", 100)
	v.SetDefault("RATE_LIMIT_IP_PER_WINDOW", 1000)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_FAIL_CLOSED", false)
	v.SetDefault("REVOCATION_FAIL_OPEN", false)
	v.SetDefault("REVOCATION_KEY_PREFIX", "blacklist:")
	v.SetDefault("RECORDER_BUFFER", 4096)
	v.SetDefault("MAX_RESPONSE_BYTES", 32<<20)
	v.SetDefault("SERVICE_URLS", defaultServiceURLs)
	v.SetDefault("ROUTES", defaultRoutes)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "CONFIG_FILE",
		"REDIS_URL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "AUTH_KEY_CACHE_TTL",
		"CORS_ORIGINS", "CORS_METHODS", "PUBLIC_ROUTES",
		"RATE_LIMIT_USER_PER_WINDOW", "RATE_LIMIT_IP_PER_WINDOW", "RATE_LIMIT_WINDOW", "RATE_LIMIT_FAIL_CLOSED",
		"REVOCATION_FAIL_OPEN", "REVOCATION_KEY_PREFIX",
		"RECORDER_BUFFER", "MAX_RESPONSE_BYTES",
		"SERVICE_URLS", "ROUTES",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// The optional YAML file carries the per-downstream breaker map, which
	// does not fit in flat env vars.
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.CORSMethods = splitList(cfg.CORSMethods, v.GetString("CORS_METHODS"))
	cfg.PublicRoutes = splitList(cfg.PublicRoutes, v.GetString("PUBLIC_ROUTES"))

	services, err := parsePairs(v.GetString("SERVICE_URLS"))
	if err != nil {
		return nil, fmt.Errorf("SERVICE_URLS: %w", err)
	}
	cfg.ServiceURLs = make(map[string]string, len(services))
	for _, p := range services {
		cfg.ServiceURLs[p[0]] = p[1]
	}

	routes, err := parsePairs(v.GetString("ROUTES"))
	if err != nil {
		return nil, fmt.Errorf("ROUTES: %w", err)
	}
	for _, p := range routes {
		cfg.Routes = append(cfg.Routes, Route{Pattern: p[0], Service: p[1]})
	}

	cfg.Downstreams = mergeDownstreams(DefaultDownstreams(), cfg.Downstreams)

	if cfg.IsDev() && cfg.AuthSigningKey != "" {
		log.Println("WARNING: AUTH_SIGNING_KEY is set; tokens are verified with a shared HMAC key.")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DownstreamFor returns the breaker parameters for a service, falling back to
// the "default" profile.
func (c *Config) DownstreamFor(service string) Downstream {
	if d, ok := c.Downstreams[strings.ToLower(service)]; ok {
		return d
	}
	return c.Downstreams["default"]
}

// ServiceNames returns the configured service names in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.ServiceURLs))
	for name := range c.ServiceURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set")
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must not be used in production; configure AUTH_JWKS_URL or AUTH_ISSUER")
	}
	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production; revocation and rate limits must be shared")
	}
	if c.RateLimitUserPerWindow <= 0 || c.RateLimitIPPerWindow <= 0 {
		return fmt.Errorf("rate limits must be positive (user=%d, ip=%d)", c.RateLimitUserPerWindow, c.RateLimitIPPerWindow)
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s, got %s", c.RateLimitWindow)
	}
	if c.RecorderBuffer <= 0 {
		return fmt.Errorf("RECORDER_BUFFER must be positive, got %d", c.RecorderBuffer)
	}

	for name, raw := range c.ServiceURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %q has invalid URL %q", name, raw)
		}
	}
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route pattern %q must start with /", r.Pattern)
		}
		if _, ok := c.ServiceURLs[r.Service]; !ok {
			return fmt.Errorf("route %q targets unknown service %q", r.Pattern, r.Service)
		}
	}

	if _, ok := c.Downstreams["default"]; !ok {
		return fmt.Errorf("downstreams.default profile is required")
	}
	for name, d := range c.Downstreams {
		if err := d.validate(); err != nil {
			return fmt.Errorf("downstream %q: %w", name, err)
		}
	}
	return nil
}

func (d Downstream) validate() error {
	if d.FailureRateThreshold <= 0 || d.FailureRateThreshold > 100 {
		return fmt.Errorf("failure_rate_threshold must be in (0,100], got %v", d.FailureRateThreshold)
	}
	if d.SlowCallRateThreshold <= 0 || d.SlowCallRateThreshold > 100 {
		return fmt.Errorf("slow_call_rate_threshold must be in (0,100], got %v", d.SlowCallRateThreshold)
	}
	if d.SlidingWindowSize <= 0 {
		return fmt.Errorf("sliding_window_size must be positive")
	}
	if d.MinimumCalls <= 0 || d.MinimumCalls > d.SlidingWindowSize {
		return fmt.Errorf("minimum_calls must be in [1,%d], got %d", d.SlidingWindowSize, d.MinimumCalls)
	}
	if d.PermittedCallsInHalfOpen <= 0 {
		return fmt.Errorf("permitted_calls_in_half_open must be positive")
	}
	if d.WaitDurationInOpen <= 0 || d.Timeout <= 0 || d.SlowCallDuration <= 0 {
		return fmt.Errorf("wait_duration_in_open, timeout and slow_call_duration must be positive")
	}
	return nil
}

// mergeDownstreams overlays file-provided profiles on the defaults. Zero
// fields in an override inherit from the profile of the same name, or from
// "default" for new services.
func mergeDownstreams(base, overrides map[string]Downstream) map[string]Downstream {
	out := make(map[string]Downstream, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for name, o := range overrides {
		name = strings.ToLower(name)
		d, ok := out[name]
		if !ok {
			d = out["default"]
		}
		if o.FailureRateThreshold != 0 {
			d.FailureRateThreshold = o.FailureRateThreshold
		}
		if o.SlowCallRateThreshold != 0 {
			d.SlowCallRateThreshold = o.SlowCallRateThreshold
		}
		if o.SlowCallDuration != 0 {
			d.SlowCallDuration = o.SlowCallDuration
		}
		if o.SlidingWindowSize != 0 {
			d.SlidingWindowSize = o.SlidingWindowSize
		}
		if o.MinimumCalls != 0 {
			d.MinimumCalls = o.MinimumCalls
		}
		if o.WaitDurationInOpen != 0 {
			d.WaitDurationInOpen = o.WaitDurationInOpen
		}
		if o.PermittedCallsInHalfOpen != 0 {
			d.PermittedCallsInHalfOpen = o.PermittedCallsInHalfOpen
		}
		if o.Timeout != 0 {
			d.Timeout = o.Timeout
		}
		out[name] = d
	}
	return out
}

// splitList handles list settings that arrive from env as one comma
// separated string.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePairs parses "k1=v1,k2=v2" preserving order.
func parsePairs(raw string) ([][2]string, error) {
	var out [][2]string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid entry %q, expected key=value", item)
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}
