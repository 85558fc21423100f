// Package observability provides logging, metrics and tracing for
// ingestguard components.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Metrics and tracing are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a slog logger writing to w. format is "json" or "text";
// level is one of debug, info, warn, error (case-insensitive, default info).
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds request context to a logger.
// Returns a new logger with fn, correlation_id, and tenant_id fields.
//
// Example:
//
//	log := EnrichLogger(logger, "webhooks/stripe", corrID, "acme")
//	log.Info("accepted") // includes fn, correlation_id, tenant_id
func EnrichLogger(logger *slog.Logger, fn, correlationID, tenantID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("fn", fn),
		slog.String("correlation_id", correlationID),
		slog.String("tenant_id", tenantID),
	)
}

// LogIngest logs the outcome of an ingest request.
func LogIngest(logger *slog.Logger, provider, outcome string, itemID string) {
	if logger == nil {
		return
	}
	logger.Info("ingest",
		slog.String("provider", provider),
		slog.String("outcome", outcome),
		slog.String("item_id", itemID),
	)
}

// LogCircuitTransition logs a breaker state change.
func LogCircuitTransition(logger *slog.Logger, service, from, to string) {
	if logger == nil {
		return
	}
	logger.Warn("circuit transition",
		slog.String("service", service),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogItemFailed logs a queue item that failed processing.
func LogItemFailed(logger *slog.Logger, itemID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("item failed",
		slog.String("item_id", itemID),
		slog.String("error", err.Error()),
	)
}

// LogBatch logs a finished worker batch.
func LogBatch(logger *slog.Logger, claimed, done, failed int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("batch processed",
		slog.Int("claimed", claimed),
		slog.Int("done", done),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRedriveError logs a dead letter whose redrive handler failed (non-fatal).
func LogRedriveError(logger *slog.Logger, id, fn string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("redrive failed",
		slog.String("dead_letter_id", id),
		slog.String("fn", fn),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
