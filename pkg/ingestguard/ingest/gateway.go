// Package ingest accepts inbound events and turns them into queue items.
//
// Ingest runs, in order: per-tenant rate limit, idempotency guard, payload
// validation, enqueue. A duplicate stops after the guard and is reported as a
// successful no-op. An enqueue failure is quarantined as a dead letter.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/deadletter"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/idempotency"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/ratelimit"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Function names recorded on dead letters written by the gateway.
const (
	WebhookFnPrefix = "webhooks/"
	LeadIntakeFn    = "orchestrate/lead-intake"
	LeadProvider    = "lead"
	RateLimitBucket = "ingest"
)

// Request is one inbound event.
type Request struct {
	// Tenant defaults to "public".
	Tenant string

	// Provider names the event origin and selects the validator.
	Provider string

	// ExternalID is the idempotency key. Empty means a random key, so the
	// request is never treated as a duplicate.
	ExternalID string

	// Body is the raw JSON payload.
	Body []byte

	// Source is recorded on the queue item. Defaults to Provider.
	Source string

	// Fn is recorded on any dead letter. Defaults to FnFor(Provider).
	Fn string

	// CorrelationID is attached to log lines.
	CorrelationID string
}

// Result describes what Ingest did.
type Result struct {
	// Deduped is true when the key was already accepted. Nothing was enqueued.
	Deduped bool

	// EventID is the idempotency key used, generated if none was supplied.
	EventID string

	// Item is the queued item, nil when deduped.
	Item *store.QueueItem
}

// RateLimit caps requests per tenant. A zero Limit disables limiting.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Gateway is the ingestion entry point.
type Gateway struct {
	guard      *idempotency.Guard
	limiter    *ratelimit.Limiter
	rateLimit  RateLimit
	queue      store.QueueStore
	sink       *deadletter.Sink
	validators map[string]Validator
	now        func() time.Time
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimit enables per-tenant rate limiting.
func WithRateLimit(rl RateLimit) Option {
	return func(g *Gateway) {
		g.rateLimit = rl
	}
}

// WithValidator registers v for provider, replacing any earlier one.
func WithValidator(provider string, v Validator) Option {
	return func(g *Gateway) {
		g.validators[provider] = v
	}
}

// WithClock injects the clock used for every timestamp.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway creates a gateway over s.
func NewGateway(s store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		queue:      s,
		validators: make(map[string]Validator),
		now:        time.Now,
		metrics:    observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.guard = idempotency.NewGuard(s, idempotency.WithClock(g.now))
	g.limiter = ratelimit.NewLimiter(s, ratelimit.WithClock(g.now))
	g.sink = deadletter.NewSink(s, g.now)
	return g
}

// Limiter exposes the gateway's limiter, e.g. for pruning.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// FnFor returns the dead-letter function name for provider.
func FnFor(provider string) string {
	if provider == LeadProvider {
		return LeadIntakeFn
	}
	return WebhookFnPrefix + provider
}

// Ingest accepts one event.
func (g *Gateway) Ingest(ctx context.Context, req Request) (Result, error) {
	req.Tenant = strings.TrimSpace(req.Tenant)
	if req.Tenant == "" {
		req.Tenant = store.DefaultTenant
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if req.Provider == "" {
		return Result{}, igerrors.Validation("provider", "is required")
	}
	if req.Source == "" {
		req.Source = req.Provider
	}
	if req.Fn == "" {
		req.Fn = FnFor(req.Provider)
	}
	res := Result{EventID: req.ExternalID}
	if strings.TrimSpace(res.EventID) == "" {
		res.EventID = uuid.NewString()
	}

	log := observability.EnrichLogger(g.logger, req.Fn, req.CorrelationID, req.Tenant)

	if g.rateLimit.Limit > 0 {
		allowed, err := g.limiter.Allow(ctx, req.Tenant, RateLimitBucket, g.rateLimit.Limit, g.rateLimit.Window)
		if err != nil {
			g.metrics.RecordIngest(ctx, req.Provider, "error")
			return Result{}, err
		}
		if !allowed {
			g.metrics.RecordIngest(ctx, req.Provider, "rate_limited")
			observability.LogIngest(log, req.Provider, "rate_limited", "")
			return Result{}, igerrors.New(igerrors.KindRateLimited, req.Tenant, nil)
		}
	}

	unique, err := g.guard.EnsureUnique(ctx, req.Tenant, req.Provider, res.EventID)
	if err != nil {
		g.metrics.RecordIngest(ctx, req.Provider, "error")
		return Result{}, err
	}
	if !unique {
		res.Deduped = true
		g.metrics.RecordIngest(ctx, req.Provider, "deduped")
		observability.LogIngest(log, req.Provider, "deduped", "")
		return res, nil
	}

	if err := g.validate(req.Provider, req.Body); err != nil {
		g.metrics.RecordIngest(ctx, req.Provider, "rejected")
		observability.LogIngest(log, req.Provider, "rejected", "")
		return Result{}, err
	}

	item, err := g.queue.EnqueueItem(ctx, store.NewItem{
		TenantID: req.Tenant,
		Source:   req.Source,
		Body:     json.RawMessage(req.Body),
	}, g.now())
	if err != nil {
		g.metrics.RecordIngest(ctx, req.Provider, "error")
		if _, dlErr := g.sink.Quarantine(ctx, req.Fn, req.Tenant, string(req.Body), err); dlErr != nil && log != nil {
			log.Error("quarantine failed", slog.String("error", dlErr.Error()))
		}
		return Result{}, igerrors.Storage("enqueue", err)
	}

	res.Item = &item
	g.metrics.RecordIngest(ctx, req.Provider, "accepted")
	observability.LogIngest(log, req.Provider, "accepted", item.ID)
	return res, nil
}

func (g *Gateway) validate(provider string, body []byte) error {
	if err := requireJSON(body); err != nil {
		return err
	}
	if v, ok := g.validators[provider]; ok {
		return v.Validate(body)
	}
	return nil
}
