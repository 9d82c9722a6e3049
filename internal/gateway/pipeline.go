package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/auth"
	"github.com/YmidOrtega/Clinica-sub001/internal/platform/telemetry"
)

// Recorder receives one record per request. It must not block.
type Recorder interface {
	Record(rec telemetry.Record)
}

// PipelineConfig holds the collaborators of the standard stage list.
type PipelineConfig struct {
	Routes     *auth.RouteClassifier
	Validator  TokenValidator
	Revocation RevocationChecker
	Limiter    RateLimiter
	Recorder   Recorder
	Metrics    Metrics
	Logger     zerolog.Logger
}

// Pipeline runs an ordered list of stages for every request, then hands
// admitted requests to the next handler. The stage order is fixed at
// construction and visible through Stages.
type Pipeline struct {
	stages   []Stage
	recorder Recorder
	metrics  Metrics
	logger   zerolog.Logger
}

// NewPipeline builds the standard pipeline: classify, authenticate,
// revocation, identity, origin rate limit, principal rate limit.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Routes == nil:
		return nil, errors.New("pipeline: route classifier is required")
	case cfg.Validator == nil:
		return nil, errors.New("pipeline: token validator is required")
	case cfg.Revocation == nil:
		return nil, errors.New("pipeline: revocation checker is required")
	case cfg.Limiter == nil:
		return nil, errors.New("pipeline: rate limiter is required")
	}
	stages := []Stage{
		ClassifyStage(cfg.Routes),
		AuthenticateStage(cfg.Validator),
		RevocationStage(cfg.Revocation),
		IdentityStage(),
		OriginRateLimitStage(cfg.Limiter, cfg.Metrics),
		PrincipalRateLimitStage(cfg.Limiter, cfg.Metrics),
	}
	return NewPipelineWithStages(stages, cfg.Recorder, cfg.Metrics, cfg.Logger), nil
}

// NewPipelineWithStages builds a pipeline over an explicit stage list.
// recorder and metrics may be nil.
func NewPipelineWithStages(stages []Stage, recorder Recorder, metrics Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		stages:   stages,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Middleware runs the stages for every request. A failing stage ends the
// request with a JSON error response; admitted requests continue to next.
// Every request is recorded once its final status is known, including
// rejected and panicking ones.
func (p *Pipeline) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			rc := newRequestContext(c)
			c.Set(requestContextKey, rc)

			var (
				status = http.StatusOK
				errMsg string
			)
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					p.logger.Error().
						Str("request_id", rc.RequestID).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")
					f := writeError(c, fmt.Errorf("panic: %v", r), rc.RequestID)
					status, errMsg, err = f.status, f.message, nil
				}
				p.record(c, rc, status, errMsg)
			}()

			ctx := c.Request().Context()
			for _, s := range p.stages {
				if serr := s.Run(ctx, rc); serr != nil {
					f := p.reject(c, rc, s.Name(), serr)
					status, errMsg = f.status, f.message
					return nil
				}
			}

			if herr := next(c); herr != nil {
				f := writeError(c, herr, rc.RequestID)
				status, errMsg = f.status, f.message
				if f.status >= http.StatusInternalServerError {
					p.logger.Error().Err(herr).
						Str("request_id", rc.RequestID).
						Str("service", rc.Service).
						Int("status", f.status).
						Msg("dispatch failed")
				}
				return nil
			}
			status = c.Response().Status
			return nil
		}
	}
}

func (p *Pipeline) reject(c echo.Context, rc *RequestContext, stage string, err error) failure {
	f := writeError(c, err, rc.RequestID)

	evt := p.logger.Debug()
	if f.status >= http.StatusInternalServerError {
		evt = p.logger.Warn()
	}
	evt.Err(err).
		Str("request_id", rc.RequestID).
		Str("stage", stage).
		Str("path", rc.Path).
		Str("remote_ip", rc.OriginIP).
		Int("status", f.status).
		Msg("request rejected")

	if p.metrics != nil && (stage == StageAuthenticate || stage == StageRevocation) {
		p.metrics.AuthFailure(f.reason)
	}
	return f
}

func (p *Pipeline) record(c echo.Context, rc *RequestContext, status int, errMsg string) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(telemetry.Record{
		RequestID:   rc.RequestID,
		Timestamp:   rc.Start.UTC(),
		Endpoint:    rc.Endpoint(c),
		Path:        rc.Path,
		Method:      rc.Method,
		Service:     rc.Service,
		Status:      status,
		Duration:    time.Since(rc.Start),
		PrincipalID: rc.PrincipalID(),
		OriginIP:    rc.OriginIP,
		UserAgent:   rc.UserAgent,
		Error:       errMsg,
	})
}

// Mount installs the pipeline on e and routes everything no local handler
// claims to the dispatcher. Local handlers such as /health sit behind the
// pipeline too, so origin rate limiting covers them. inner middleware runs
// after the pipeline admitted a request.
func Mount(e *echo.Echo, p *Pipeline, d *Dispatcher, inner ...echo.MiddlewareFunc) {
	e.Use(p.Middleware())
	e.Use(inner...)
	e.Any("/*", d.Handler())
}
