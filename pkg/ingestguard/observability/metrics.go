package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records ingestguard metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records a gateway decision (accepted, deduped, rejected,
	// rate_limited, error).
	RecordIngest(ctx context.Context, provider, outcome string)

	// RecordItem records a processed queue item and how long it took.
	RecordItem(ctx context.Context, source string, duration time.Duration, err error)

	// RecordCircuitTransition records a breaker state change.
	RecordCircuitTransition(ctx context.Context, service, from, to string)

	// RecordRedrive records one dead-letter redrive attempt.
	RecordRedrive(ctx context.Context, fn string, err error)

	// RecordRetry records a retried attempt of a guarded call.
	RecordRetry(ctx context.Context, service string, attempt int)

	// RecordStoreError records a store write that failed after the caller's
	// work already happened, e.g. breaker bookkeeping.
	RecordStoreError(ctx context.Context, component, operation string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingestRequests     metric.Int64Counter
	itemsProcessed     metric.Int64Counter
	itemLatency        metric.Float64Histogram
	itemErrors         metric.Int64Counter
	circuitTransitions metric.Int64Counter
	redriveAttempts    metric.Int64Counter
	retryAttempts      metric.Int64Counter
	storeErrors        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("ingestguard")

	ingestRequests, err := meter.Int64Counter("ingestguard.ingest.requests",
		metric.WithDescription("Number of ingest requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	itemsProcessed, err := meter.Int64Counter("ingestguard.queue.items",
		metric.WithDescription("Number of queue items processed"),
	)
	if err != nil {
		return nil, err
	}

	itemLatency, err := meter.Float64Histogram("ingestguard.queue.latency_ms",
		metric.WithDescription("Queue item processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	itemErrors, err := meter.Int64Counter("ingestguard.queue.errors",
		metric.WithDescription("Number of queue items that failed"),
	)
	if err != nil {
		return nil, err
	}

	circuitTransitions, err := meter.Int64Counter("ingestguard.circuit.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	redriveAttempts, err := meter.Int64Counter("ingestguard.deadletter.redrives",
		metric.WithDescription("Number of dead-letter redrive attempts"),
	)
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter("ingestguard.retry.attempts",
		metric.WithDescription("Number of retried remote call attempts"),
	)
	if err != nil {
		return nil, err
	}

	storeErrors, err := meter.Int64Counter("ingestguard.store.errors",
		metric.WithDescription("Number of failed bookkeeping writes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ingestRequests:     ingestRequests,
		itemsProcessed:     itemsProcessed,
		itemLatency:        itemLatency,
		itemErrors:         itemErrors,
		circuitTransitions: circuitTransitions,
		redriveAttempts:    redriveAttempts,
		retryAttempts:      retryAttempts,
		storeErrors:        storeErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordIngest(ctx context.Context, provider, outcome string) {
	m.ingestRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordItem(ctx context.Context, source string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.itemsProcessed.Add(ctx, 1, attrs)
	m.itemLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.itemErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordCircuitTransition(ctx context.Context, service, from, to string) {
	m.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordRedrive(ctx context.Context, fn string, err error) {
	m.redriveAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fn", fn),
		attribute.Bool("success", err == nil),
	))
}

func (m *otelMetrics) RecordRetry(ctx context.Context, service string, attempt int) {
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.Int("attempt", attempt),
	))
}

func (m *otelMetrics) RecordStoreError(ctx context.Context, component, operation string) {
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
	))
}
