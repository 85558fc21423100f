// Package ratelimit implements a sliding-window limiter over stored samples.
//
// Allow counts then inserts in two statements. Two concurrent callers can both
// observe count == limit-1 and both be admitted, so the limit is approximate
// under contention. Callers that need a hard cap must serialize per key.
package ratelimit

import (
	"context"
	"time"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Limiter admits or rejects calls per (tenant, bucket).
type Limiter struct {
	store store.RateLimitStore
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a Limiter over s.
func NewLimiter(s store.RateLimitStore, opts ...Option) *Limiter {
	l := &Limiter{store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a call is admitted. It counts samples in
// [now-window, now]; at or above limit it returns false and writes nothing,
// otherwise it records a sample at now and returns true.
func (l *Limiter) Allow(ctx context.Context, tenantID, bucket string, limit int, window time.Duration) (bool, error) {
	now := l.now()
	count, err := l.store.CountSamples(ctx, tenantID, bucket, now.Add(-window))
	if err != nil {
		return false, igerrors.Storage("rate limit count", err)
	}
	if count >= limit {
		return false, nil
	}
	if err := l.store.InsertSample(ctx, tenantID, bucket, now); err != nil {
		return false, igerrors.Storage("rate limit insert", err)
	}
	return true, nil
}

// Prune deletes samples older than maxWindow, which should be the largest
// window any caller passes to Allow.
func (l *Limiter) Prune(ctx context.Context, maxWindow time.Duration) (int64, error) {
	n, err := l.store.PruneSamples(ctx, l.now().Add(-maxWindow))
	if err != nil {
		return 0, igerrors.Storage("rate limit prune", err)
	}
	return n, nil
}
