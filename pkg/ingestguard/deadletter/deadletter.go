// Package deadletter quarantines failed work and redrives it.
//
// Records are never deleted. Every redrive attempt increments retry_count,
// whether the handler succeeded or not, so a record is attempted at most
// maxRetryCount times.
package deadletter

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Redrive defaults.
const (
	DefaultMaxRetryCount = 5
	DefaultBatchSize     = 50
)

// Sink writes dead-letter records.
type Sink struct {
	store store.DeadLetterStore
	now   func() time.Time
}

// NewSink creates a Sink. A nil now uses time.Now.
func NewSink(s store.DeadLetterStore, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{store: s, now: now}
}

// Quarantine records that fn failed on payload with cause.
func (k *Sink) Quarantine(ctx context.Context, fn, tenantID, payload string, cause error) (store.DeadLetter, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	dl, err := k.store.InsertDeadLetter(ctx, store.NewDeadLetter{
		Fn:       fn,
		TenantID: tenantID,
		Payload:  payload,
		Error:    errText,
	}, k.now())
	if err != nil {
		return store.DeadLetter{}, igerrors.Storage("quarantine", err)
	}
	return dl, nil
}

// Handler re-applies a dead letter.
type Handler interface {
	Redrive(ctx context.Context, dl store.DeadLetter) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, dl store.DeadLetter) error

// Redrive calls f(ctx, dl).
func (f HandlerFunc) Redrive(ctx context.Context, dl store.DeadLetter) error {
	return f(ctx, dl)
}

// Redriver retries dead letters through handlers registered per fn.
type Redriver struct {
	store   store.DeadLetterStore
	now     func() time.Time
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes []prefixHandler
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// Option configures a Redriver.
type Option func(*Redriver)

// WithClock injects the clock used for last_retry_at.
func WithClock(now func() time.Time) Option {
	return func(r *Redriver) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Redriver) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Redriver) {
		r.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(r *Redriver) {
		r.spans = s
	}
}

// NewRedriver creates a Redriver with no handlers.
func NewRedriver(s store.DeadLetterStore, opts ...Option) *Redriver {
	r := &Redriver{
		store:   s,
		now:     time.Now,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		exact:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for pattern. A pattern ending in "/" matches every fn
// with that prefix; otherwise it matches fn exactly. Exact matches win, then
// the longest prefix.
func (r *Redriver) Handle(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.HasSuffix(pattern, "/") {
		r.exact[pattern] = h
		return
	}
	r.prefixes = append(r.prefixes, prefixHandler{prefix: pattern, handler: h})
	sort.Slice(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
}

// HandleFunc registers fn for pattern.
func (r *Redriver) HandleFunc(pattern string, fn func(ctx context.Context, dl store.DeadLetter) error) {
	r.Handle(pattern, HandlerFunc(fn))
}

func (r *Redriver) handler(fn string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[fn]; ok {
		return h, true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(fn, p.prefix) {
			return p.handler, true
		}
	}
	return nil, false
}

// Redrive attempts up to batchSize records with retry_count < maxRetryCount,
// oldest first, and returns how many were attempted. A record without a
// handler still counts as attempted. Handler errors are logged, not returned;
// only store failures abort the pass.
func (r *Redriver) Redrive(ctx context.Context, maxRetryCount, batchSize int) (n int, err error) {
	ctx, span := r.spans.StartRedriveSpan(ctx, maxRetryCount, batchSize)
	defer func() { r.spans.EndSpanWithError(span, err) }()

	records, err := r.store.ListRedrivable(ctx, maxRetryCount, batchSize)
	if err != nil {
		return 0, igerrors.Storage("list redrivable", err)
	}

	for _, dl := range records {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		n++

		var runErr error
		if h, ok := r.handler(dl.Fn); ok {
			runErr = h.Redrive(ctx, dl)
			if runErr != nil {
				observability.LogRedriveError(r.logger, dl.ID, dl.Fn, runErr)
			}
		}
		r.metrics.RecordRedrive(ctx, dl.Fn, runErr)

		if err := r.store.RecordRedriveAttempt(ctx, dl.ID, r.now()); err != nil {
			return n, igerrors.Storage("record redrive attempt", err)
		}
	}

	if r.logger != nil && n > 0 {
		r.logger.Info("redrive pass", slog.Int("retried", n))
	}
	return n, nil
}
