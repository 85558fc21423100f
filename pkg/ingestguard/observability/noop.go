package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordIngest(context.Context, string, string) {}
func (NoopMetrics) RecordItem(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordCircuitTransition(context.Context, string, string, string) {}
func (NoopMetrics) RecordRedrive(context.Context, string, error) {}
func (NoopMetrics) RecordRetry(context.Context, string, int) {}
func (NoopMetrics) RecordStoreError(context.Context, string, string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartBatchSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartBatchSpan(ctx context.Context, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartRedriveSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRedriveSpan(ctx context.Context, _, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
