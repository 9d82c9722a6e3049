package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record describes one completed or rejected request.
type Record struct {
	RequestID   string
	Timestamp   time.Time
	Endpoint    string // route pattern, or the path when no route matched
	Path        string
	Method      string
	Service     string
	Status      int
	Duration    time.Duration
	PrincipalID string
	OriginIP    string
	UserAgent   string
	Error       string
}

// Sink persists batches of records. Sinks run on the recorder's worker
// goroutine, never on the request path.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []Record) error
}

// RecorderConfig tunes the recorder's buffering.
type RecorderConfig struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c *RecorderConfig) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Recorder updates metrics synchronously and hands records to the sinks
// through a bounded buffer. Record never blocks: when the buffer is full the
// record is dropped and counted.
type Recorder struct {
	cfg     RecorderConfig
	metrics *Metrics
	sinks   []Sink
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Record
	done   chan struct{}
}

// NewRecorder creates a recorder and starts its worker. metrics may be nil.
func NewRecorder(cfg RecorderConfig, metrics *Metrics, logger zerolog.Logger, sinks ...Sink) *Recorder {
	cfg.applyDefaults()
	r := &Recorder{
		cfg:     cfg,
		metrics: metrics,
		sinks:   sinks,
		logger:  logger.With().Str("component", "recorder").Logger(),
		ch:      make(chan Record, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record observes a request. Safe for concurrent use; never blocks and
// never fails.
func (r *Recorder) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if r.metrics != nil {
		r.metrics.ObserveRequest(rec)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rec:
	default:
		if r.metrics != nil {
			r.metrics.recordDropped()
		}
		r.logger.Warn().Str("request_id", rec.RequestID).Msg("request log buffer full, record dropped")
	}
}

// Close stops accepting records and waits for buffered ones to be written,
// or for ctx to end. It is safe to call multiple times.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.cfg.BatchSize)
	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes a batch to every sink. Sink failures are logged and counted,
// never retried.
func (r *Recorder) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.write(ctx, s, batch)
		cancel()
		if err != nil {
			if r.metrics != nil {
				r.metrics.recordSinkError(s.Name())
			}
			r.logger.Error().Err(err).
				Str("sink", s.Name()).
				Int("records", len(batch)).
				Msg("failed to write request log")
		}
	}
}

func (r *Recorder) write(ctx context.Context, s Sink, batch []Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return s.Write(ctx, batch)
}
