package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LogSink writes each record as a structured zerolog event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, records []Record) error {
	for _, r := range records {
		evt := s.logger.Info()
		switch {
		case r.Status >= 500:
			evt = s.logger.Error()
		case r.Status >= 400:
			evt = s.logger.Warn()
		}
		if r.Error != "" {
			evt = evt.Str("error", r.Error)
		}
		evt.
			Str("type", "gateway_request").
			Str("request_id", r.RequestID).
			Str("method", r.Method).
			Str("path", r.Path).
			Str("endpoint", r.Endpoint).
			Str("service", r.Service).
			Int("status", r.Status).
			Dur("latency", r.Duration).
			Str("user_id", r.PrincipalID).
			Str("remote_ip", r.OriginIP).
			Str("user_agent", r.UserAgent).
			Time("timestamp", r.Timestamp).
			Msg("request")
	}
	return nil
}

// copyFromer is the part of *pgxpool.Pool the Postgres sink uses.
type copyFromer interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var requestLogColumns = []string{
	"request_id", "occurred_at", "endpoint", "path", "method", "service",
	"status_code", "duration_ms", "user_id", "ip_address", "user_agent", "error_message",
}

// PostgresSink appends records to the gateway_request_log table.
type PostgresSink struct {
	pool  copyFromer
	table pgx.Identifier
}

// NewPostgresSink creates a sink writing to gateway_request_log through the
// given pool (normally a *pgxpool.Pool).
func NewPostgresSink(pool copyFromer) *PostgresSink {
	return &PostgresSink{pool: pool, table: pgx.Identifier{"gateway_request_log"}}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.RequestID, r.Timestamp, r.Endpoint, r.Path, r.Method, nullable(r.Service),
			int32(r.Status), r.Duration.Milliseconds(), nullable(r.PrincipalID),
			r.OriginIP, r.UserAgent, nullable(r.Error),
		})
	}
	n, err := s.pool.CopyFrom(ctx, s.table, requestLogColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy request log: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy request log: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
