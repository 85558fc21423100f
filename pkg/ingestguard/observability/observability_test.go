package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	NewLogger(&buf, "text", "").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestEnrichLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "fn", "c", "t"))

	var buf bytes.Buffer
	logger := EnrichLogger(NewLogger(&buf, "json", "info"), "webhooks/stripe", "corr-1", "acme")
	logger.Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "webhooks/stripe", line["fn"])
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, "acme", line["tenant_id"])
}

func TestLogHelpersTolerateNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogIngest(nil, "p", "accepted", "id")
		LogCircuitTransition(nil, "s", "closed", "open")
		LogItemFailed(nil, "id", errors.New("x"))
		LogBatch(nil, 1, 1, 0, 1)
		LogRedriveError(nil, "id", "fn", errors.New("x"))
	})
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)
	recorder := NewMetricsRecorder()
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestOtelMetrics(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordIngest(ctx, "stripe", "accepted")
	m.RecordIngest(ctx, "stripe", "deduped")
	m.RecordItem(ctx, "stripe", 5*time.Millisecond, nil)
	m.RecordItem(ctx, "stripe", 5*time.Millisecond, errors.New("boom"))
	m.RecordCircuitTransition(ctx, "billing", "closed", "open")
	m.RecordRedrive(ctx, "workers/process-lead", nil)
	m.RecordRetry(ctx, "billing", 1)
	m.RecordStoreError(ctx, "circuit", "record failure")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "ingestguard.ingest.requests")))
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "ingestguard.queue.items")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "ingestguard.queue.errors")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "ingestguard.circuit.transitions")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "ingestguard.deadletter.redrives")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "ingestguard.retry.attempts")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "ingestguard.store.errors")))
	assert.NotNil(t, findMetric(rm, "ingestguard.queue.latency_ms"))
}

func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("ingestguard")
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	sm := NewSpanManager()
	ctx, span := sm.StartBatchSpan(context.Background(), 25)
	sm.AddSpanEvent(ctx, "claimed", attribute.Int("count", 3))
	sm.EndSpanWithError(span, nil)

	_, span = sm.StartRedriveSpan(context.Background(), 5, 50)
	sm.EndSpanWithError(span, errors.New("store down"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "ingestguard.worker.batch", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "claimed", spans[0].Events[0].Name)

	assert.Equal(t, "ingestguard.deadletter.redrive", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "store down", spans[1].Status.Description)
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		var m MetricsRecorder = NoopMetrics{}
		m.RecordIngest(ctx, "p", "accepted")
		m.RecordItem(ctx, "s", time.Second, nil)
		m.RecordCircuitTransition(ctx, "s", "a", "b")
		m.RecordRedrive(ctx, "fn", nil)
		m.RecordRetry(ctx, "s", 1)
		m.RecordStoreError(ctx, "c", "op")

		var sm SpanManager = NoopSpanManager{}
		got, span := sm.StartBatchSpan(ctx, 1)
		assert.Equal(t, ctx, got)
		sm.EndSpanWithError(span, errors.New("x"))
		_, span = sm.StartRedriveSpan(ctx, 1, 1)
		sm.AddSpanEvent(ctx, "e")
		sm.EndSpanWithError(span, nil)
	})
}
