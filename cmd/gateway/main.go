package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/YmidOrtega/Clinica-sub001/internal/config"
	"github.com/YmidOrtega/Clinica-sub001/internal/gateway"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/auth"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/breaker"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/db"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/middleware"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/ratelimit"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/telemetry"
	"github.com/YmidOrtega/Clinica-sub001/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Clinica API gateway",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the routing table, public routes and breaker profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printRoutes(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the request log schema",
	}

	var schema, dir string
	open := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for migrations")
		}
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		var fsys fs.FS = migrations.FS
		if dir != "" {
			fsys = os.DirFS(dir)
		}
		return db.NewMigrator(pool, fsys, schema), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
			for _, s := range statuses {
				applied := "pending"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVar(&schema, "schema", "public", "Target schema")
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app is the assembled gateway. Close releases everything build opened.
type app struct {
	echo     *echo.Echo
	recorder *telemetry.Recorder
	breakers *breaker.Registry
	pipeline *gateway.Pipeline
	closers  []func()
}

func (a *app) Close(ctx context.Context) error {
	err := a.recorder.Close(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	return err
}

// build wires the gateway from configuration. Redis and PostgreSQL are
// optional: without Redis, revocations and rate limits are process local;
// without PostgreSQL, requests are only logged.
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	metrics := telemetry.NewMetrics()

	// Shared state
	var (
		revocations auth.RevocationStore
		limitStore  ratelimit.Store
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup; store failure policies apply")
		} else {
			logger.Info().Str("addr", opts.Addr).Msg("connected to redis")
		}
		cancel()

		revocations = auth.NewRedisRevocationStore(client, cfg.RevocationKeyPrefix)
		limitStore = ratelimit.NewRedisStore(client)
	} else {
		logger.Warn().Msg("REDIS_URL not set; revocations and rate limits are local to this instance")
		mem := auth.NewMemoryRevocationStore()
		a.closers = append(a.closers, mem.Close)
		revocations = mem
		limitStore = ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{})
	}

	// Request log sinks
	sinks := []telemetry.Sink{telemetry.NewLogSink(logger)}
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			logger.Error().Err(err).Msg("request log database unavailable; continuing without it")
		} else {
			pool = p
			a.closers = append(a.closers, pool.Close)
			sinks = append(sinks, telemetry.NewPostgresSink(pool))
			logger.Info().Msg("connected to request log database")
		}
	}
	a.recorder = telemetry.NewRecorder(telemetry.RecorderConfig{Buffer: cfg.RecorderBuffer}, metrics, logger, sinks...)

	// Authentication
	validator, err := newValidator(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	limiter := ratelimit.NewLimiter(limitStore, ratelimit.Config{
		UserLimit:   cfg.RateLimitUserPerWindow,
		OriginLimit: cfg.RateLimitIPPerWindow,
		Window:      cfg.RateLimitWindow,
		FailClosed:  cfg.RateLimitFailClosed,
	}, logger)

	// Downstreams
	a.breakers = breaker.NewRegistry(breakerConfigs(cfg), cfg.ServiceNames(), logger,
		func(name string, _, to breaker.State) {
			metrics.SetCircuitState(name, int(to))
		})
	for _, name := range cfg.ServiceNames() {
		metrics.SetCircuitState(name, int(breaker.StateClosed))
	}

	routes := make([]gateway.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, gateway.Route{Pattern: r.Pattern, Service: r.Service})
	}
	table, err := gateway.NewRouteTable(routes)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	resolver, err := gateway.NewStaticResolver(cfg.ServiceURLs)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	dispatcher, err := gateway.NewDispatcher(gateway.DispatcherConfig{
		Routes:           table,
		Resolver:         resolver,
		Breakers:         a.breakers,
		MaxResponseBytes: cfg.MaxResponseBytes,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.pipeline, err = gateway.NewPipeline(gateway.PipelineConfig{
		Routes:     auth.NewRouteClassifier(cfg.PublicRoutes),
		Validator:  validator,
		Revocation: auth.NewRevocationChecker(revocations, cfg.RevocationFailOpen, logger),
		Limiter:    limiter,
		Recorder:   a.recorder,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = gateway.HTTPErrorHandler(logger)

	corsOuter, corsInner := gateway.CORS(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  cfg.CORSMethods,
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	})
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(corsOuter)
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", gateway.HealthHandler(a.breakers))
	e.GET("/metrics", metrics.Handler())
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	// Preflights are answered behind the pipeline.
	gateway.Mount(e, a.pipeline, dispatcher, corsInner)

	a.echo = e
	return a, nil
}

func newValidator(cfg *config.Config) (*auth.TokenValidator, error) {
	vc := auth.ValidatorConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	}
	client := &http.Client{Timeout: 5 * time.Second}
	switch {
	case cfg.AuthSigningKey != "":
		vc.SigningKey = []byte(cfg.AuthSigningKey)
	case cfg.AuthJWKSURL != "":
		vc.Keys = auth.NewJWKSCache(cfg.AuthJWKSURL, cfg.AuthKeyCacheTTL, auth.WithHTTPClient(client))
	default:
		vc.Keys = auth.NewDiscoveredKeySource(cfg.AuthIssuer, cfg.AuthKeyCacheTTL, client)
	}
	v, err := auth.NewTokenValidator(vc)
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}
	return v, nil
}

func breakerConfigs(cfg *config.Config) map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(cfg.Downstreams))
	for name, d := range cfg.Downstreams {
		out[name] = breaker.Config{
			FailureRateThreshold:     d.FailureRateThreshold,
			SlowCallRateThreshold:    d.SlowCallRateThreshold,
			SlowCallDuration:         d.SlowCallDuration,
			SlidingWindowSize:        d.SlidingWindowSize,
			MinimumCalls:             d.MinimumCalls,
			WaitDurationInOpen:       d.WaitDurationInOpen,
			PermittedCallsInHalfOpen: d.PermittedCallsInHalfOpen,
			Timeout:                  d.Timeout,
		}
	}
	return out
}

// writeTimeout leaves room for the slowest downstream.
func writeTimeout(cfg *config.Config) time.Duration {
	longest := 5 * time.Second
	for _, d := range cfg.Downstreams {
		if d.Timeout > longest {
			longest = d.Timeout
		}
	}
	return longest + 5*time.Second
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.echo,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Strs("stages", a.pipeline.Stages()).
			Msg("starting gateway")
		if err := a.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		a.Close(context.Background())
		return err
	}

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("request log not fully flushed")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}

func printRoutes(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "PUBLIC ROUTES")
	for _, p := range auth.NewRouteClassifier(cfg.PublicRoutes).Patterns() {
		fmt.Fprintf(w, "  %s\n", p)
	}

	fmt.Fprintln(w, "\nROUTES\tSERVICE\tURL")
	for _, r := range cfg.Routes {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Pattern, r.Service, cfg.ServiceURLs[r.Service])
	}

	fmt.Fprintln(w, "\nSTAGES")
	for i, s := range gateway.StageOrder {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s)
	}

	fmt.Fprintln(w, "\nBREAKERS\tFAIL%\tSLOW%\tSLOW AFTER\tWINDOW\tMIN\tOPEN FOR\tTRIALS\tTIMEOUT")
	for _, name := range append([]string{breaker.DefaultProfile}, cfg.ServiceNames()...) {
		d := cfg.DownstreamFor(name)
		fmt.Fprintf(w, "  %s\t%.0f\t%.0f\t%s\t%d\t%d\t%s\t%d\t%s\n",
			name, d.FailureRateThreshold, d.SlowCallRateThreshold, d.SlowCallDuration,
			d.SlidingWindowSize, d.MinimumCalls, d.WaitDurationInOpen, d.PermittedCallsInHalfOpen, d.Timeout)
	}
	w.Flush()
}
