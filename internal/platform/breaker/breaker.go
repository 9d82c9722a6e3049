// Package breaker implements a count-based sliding window circuit breaker
// with a hard per-call timeout, instantiated once per downstream service.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpen is returned without invoking the call while the breaker is
	// open, or half-open with every trial slot taken.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a call exceeds the breaker's timeout. The
	// call is abandoned and recorded as a failure.
	ErrTimeout = errors.New("call timed out")
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the parameters of one breaker. Rates are percentages.
type Config struct {
	FailureRateThreshold     float64
	SlowCallRateThreshold    float64
	SlowCallDuration         time.Duration
	SlidingWindowSize        int
	MinimumCalls             int
	WaitDurationInOpen       time.Duration
	PermittedCallsInHalfOpen int
	Timeout                  time.Duration
}

// DefaultConfig is the moderate profile used for bulk data services.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:     50,
		SlowCallRateThreshold:    100,
		SlowCallDuration:         2 * time.Second,
		SlidingWindowSize:        10,
		MinimumCalls:             3,
		WaitDurationInOpen:       30 * time.Second,
		PermittedCallsInHalfOpen: 3,
		Timeout:                  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = def.SlowCallRateThreshold
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = def.SlowCallDuration
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = def.SlidingWindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = def.MinimumCalls
	}
	if c.MinimumCalls > c.SlidingWindowSize {
		c.MinimumCalls = c.SlidingWindowSize
	}
	if c.WaitDurationInOpen <= 0 {
		c.WaitDurationInOpen = def.WaitDurationInOpen
	}
	if c.PermittedCallsInHalfOpen <= 0 {
		c.PermittedCallsInHalfOpen = def.PermittedCallsInHalfOpen
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// TransitionFunc observes state changes. It is called with the breaker lock
// held and must not call back into the breaker.
type TransitionFunc func(name string, from, to State)

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTransitionFunc registers a state change observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

type outcome struct {
	failed bool
	slow   bool
}

// Breaker guards calls to one downstream. All state lives behind one mutex
// so transitions are linearizable; the guarded call itself runs unlocked.
type Breaker struct {
	name         string
	cfg          Config
	now          func() time.Time
	onTransition TransitionFunc

	mu    sync.Mutex
	state State
	// epoch advances on every transition. Outcomes of calls admitted under
	// an older epoch are discarded.
	epoch    uint64
	ring     []outcome
	pos      int
	filled   int
	failures int
	slows    int
	openedAt time.Time

	halfOpenAdmitted  int
	halfOpenSucceeded int
}

// New creates a closed breaker. Zero config fields take DefaultConfig values.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
		ring: make([]outcome, cfg.SlidingWindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the downstream name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. An open breaker whose wait has elapsed
// still reports OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the breaker is open. fn receives a context bounded
// by the breaker timeout. A non-nil error from fn counts as a failure; calls
// slower than SlowCallDuration count as slow. When the caller's own context
// ends first, the call is not counted.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	epoch, err := b.acquire()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := b.now()
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	if ctx.Err() != nil {
		// Cancelled by the caller, not a verdict on the downstream.
		b.release(epoch)
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
		err = fmt.Errorf("%w after %s: %s", ErrTimeout, b.cfg.Timeout, b.name)
	}

	elapsed := b.now().Sub(start)
	b.record(epoch, outcome{
		failed: err != nil,
		slow:   elapsed >= b.cfg.SlowCallDuration,
	})
	return err
}

func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.epoch, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.WaitDurationInOpen {
			return 0, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.transition(StateHalfOpen)
	}

	if b.halfOpenAdmitted >= b.cfg.PermittedCallsInHalfOpen {
		return 0, fmt.Errorf("%w: %s (half-open trials in flight)", ErrOpen, b.name)
	}
	b.halfOpenAdmitted++
	return b.epoch, nil
}

// release frees a half-open trial slot for a call that produced no verdict.
func (b *Breaker) release(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epoch == b.epoch && b.state == StateHalfOpen && b.halfOpenAdmitted > 0 {
		b.halfOpenAdmitted--
	}
}

func (b *Breaker) record(epoch uint64, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if epoch != b.epoch {
		return
	}

	switch b.state {
	case StateClosed:
		b.push(o)
		if b.filled < b.cfg.MinimumCalls {
			return
		}
		if b.failureRateLocked() >= b.cfg.FailureRateThreshold || b.slowRateLocked() >= b.cfg.SlowCallRateThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A slow trial is not evidence of recovery.
		if o.failed || o.slow {
			b.transition(StateOpen)
			return
		}
		b.halfOpenSucceeded++
		if b.halfOpenSucceeded >= b.cfg.PermittedCallsInHalfOpen {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) push(o outcome) {
	if b.filled == len(b.ring) {
		old := b.ring[b.pos]
		if old.failed {
			b.failures--
		}
		if old.slow {
			b.slows--
		}
	} else {
		b.filled++
	}
	b.ring[b.pos] = o
	b.pos = (b.pos + 1) % len(b.ring)
	if o.failed {
		b.failures++
	}
	if o.slow {
		b.slows++
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.filled)
}

func (b *Breaker) slowRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.slows) * 100 / float64(b.filled)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.epoch++
	b.halfOpenAdmitted = 0
	b.halfOpenSucceeded = 0

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.resetWindow()
	}

	if b.onTransition != nil && from != to {
		b.onTransition(b.name, from, to)
	}
}

func (b *Breaker) resetWindow() {
	for i := range b.ring {
		b.ring[i] = outcome{}
	}
	b.pos, b.filled, b.failures, b.slows = 0, 0, 0, 0
}

// Snapshot is a point-in-time view of a breaker, for health output.
type Snapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Calls       int        `json:"buffered_calls"`
	FailureRate float64    `json:"failure_rate"`
	SlowRate    float64    `json:"slow_call_rate"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the current state and window statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Calls:       b.filled,
		FailureRate: b.failureRateLocked(),
		SlowRate:    b.slowRateLocked(),
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}
