// Package remote wraps unreliable downstream calls.
//
// Call composes the retry executor inside the circuit breaker: one Call is one
// breaker invocation however many attempts the retry makes, and an open
// circuit short-circuits before the first attempt.
package remote

import (
	"context"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/circuit"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
)

// Call runs fn under breaker b for service, retrying per cfg.
func Call[T any](
	ctx context.Context,
	b *circuit.Breaker,
	service string,
	cfg igerrors.RetryConfig,
	fn func(context.Context) (T, error),
) (T, error) {
	return circuit.Execute(ctx, b, service, func(ctx context.Context) (T, error) {
		return igerrors.Retry(ctx, cfg, fn)
	})
}

// CountRetries returns cfg with an OnRetry hook that records each retried
// attempt for service. An existing hook still runs.
func CountRetries(cfg igerrors.RetryConfig, service string, metrics observability.MetricsRecorder) igerrors.RetryConfig {
	prev := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		metrics.RecordRetry(context.Background(), service, attempt)
		if prev != nil {
			prev(attempt, err, backoff)
		}
	}
	return cfg
}
