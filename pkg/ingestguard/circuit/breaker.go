// Package circuit implements a store-backed circuit breaker.
//
// State lives in the shared store, so every process guarding the same service
// sees one breaker. Trial reservation and failure accounting are single
// atomic updates. The initial load-and-decide step is a plain read, so two
// callers racing on a state change can both act on the state they loaded.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int

	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration

	// HalfOpenMax is how many trial calls a half-open circuit admits.
	HalfOpenMax int
}

// DefaultConfig is 5 failures, 60s cooldown, 3 half-open trials.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Cooldown:         60 * time.Second,
	HalfOpenMax:      3,
}

// Validate checks that every field is positive.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("circuit: failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("circuit: cooldown must be positive, got %s", c.Cooldown)
	}
	if c.HalfOpenMax < 1 {
		return fmt.Errorf("circuit: half-open max must be >= 1, got %d", c.HalfOpenMax)
	}
	return nil
}

// Breaker guards calls to named services.
type Breaker struct {
	store   store.CircuitStore
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// NewBreaker validates cfg and creates a Breaker.
func NewBreaker(s store.CircuitStore, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		store:   s,
		cfg:     cfg,
		now:     time.Now,
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the breaker's thresholds.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the stored state for service, or a zero closed state.
func (b *Breaker) State(ctx context.Context, service string) (store.CircuitState, error) {
	st, found, err := b.store.LoadCircuit(ctx, service)
	if err != nil {
		return store.CircuitState{}, igerrors.Storage("load circuit", err)
	}
	if !found {
		return store.CircuitState{Service: service, State: store.CircuitClosed, Cooldown: b.cfg.Cooldown}, nil
	}
	return st, nil
}

// Execute runs fn through the breaker for service.
//
// Open circuits fail fast with KindCircuitOpen until the cooldown elapses,
// then admit up to HalfOpenMax trials; further calls fail with
// KindHalfOpenExhausted. A trial success closes the circuit, a trial failure
// reopens it.
//
// When fn fails and the failure cannot be recorded, the storage error is
// joined onto fn's error. A success that cannot be recorded keeps fn's
// result, since its effect already happened; the write failure is logged and
// counted.
func Execute[T any](ctx context.Context, b *Breaker, service string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	prior, err := b.admit(ctx, service)
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		if recErr := b.onFailure(ctx, service, prior); recErr != nil {
			return zero, errors.Join(err, recErr)
		}
		return zero, err
	}
	_ = b.onSuccess(ctx, service, prior)
	return result, nil
}

// admit decides whether a call may proceed and returns the state it ran under.
func (b *Breaker) admit(ctx context.Context, service string) (store.CircuitStatus, error) {
	st, err := b.State(ctx, service)
	if err != nil {
		return "", err
	}

	if st.State == store.CircuitOpen {
		now := b.now()
		if now.Before(st.OpenUntil()) {
			return "", igerrors.New(igerrors.KindCircuitOpen, service, nil)
		}
		moved, err := b.store.OpenToHalfOpen(ctx, service, now)
		if err != nil {
			return "", igerrors.Storage("half-open circuit", err)
		}
		if moved {
			b.transition(ctx, service, store.CircuitOpen, store.CircuitHalfOpen)
		}
		st.State = store.CircuitHalfOpen
	}

	if st.State == store.CircuitHalfOpen {
		reserved, err := b.store.ReserveTrial(ctx, service, b.cfg.HalfOpenMax)
		if err != nil {
			return "", igerrors.Storage("reserve trial", err)
		}
		if !reserved {
			return "", igerrors.New(igerrors.KindHalfOpenExhausted, service, nil)
		}
	}
	return st.State, nil
}

func (b *Breaker) onSuccess(ctx context.Context, service string, prior store.CircuitStatus) error {
	if err := b.store.RecordSuccess(ctx, service, b.cfg.Cooldown); err != nil {
		return b.storeError(ctx, service, "record success", err)
	}
	if prior != store.CircuitClosed {
		b.transition(ctx, service, prior, store.CircuitClosed)
	}
	return nil
}

func (b *Breaker) onFailure(ctx context.Context, service string, prior store.CircuitStatus) error {
	st, err := b.store.RecordFailure(ctx, service, b.cfg.FailureThreshold, b.cfg.Cooldown, b.now())
	if err != nil {
		return b.storeError(ctx, service, "record failure", err)
	}
	if st.State != prior {
		b.transition(ctx, service, prior, st.State)
	}
	return nil
}

func (b *Breaker) transition(ctx context.Context, service string, from, to store.CircuitStatus) {
	observability.LogCircuitTransition(b.logger, service, string(from), string(to))
	b.metrics.RecordCircuitTransition(ctx, service, string(from), string(to))
}

// storeError logs and counts a bookkeeping failure and returns it as a
// KindStorage error.
func (b *Breaker) storeError(ctx context.Context, service, op string, err error) error {
	b.metrics.RecordStoreError(ctx, "circuit", op)
	if b.logger != nil {
		b.logger.Error("circuit bookkeeping failed",
			slog.String("service", service),
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
	return igerrors.Storage(op, err)
}
