// Package queue drains queued items through a Processor.
//
// Claims are atomic in the store, so any number of Workers (in one process
// or many) can share a queue without processing an item twice. Within a
// batch, items run sequentially in FIFO order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/deadletter"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// WorkerFn is the function name recorded on dead letters for failed items.
// No redrive handler is registered for it: a failed item already consumed its
// downstream attempts, so redrive only counts the record and leaves it for
// manual intervention.
const WorkerFn = "workers/process-lead"

// Defaults for Worker.
const (
	DefaultBatchSize  = 25
	DefaultStaleAfter = 15 * time.Minute
)

// Processor performs the downstream effect for one item.
type Processor interface {
	Process(ctx context.Context, item store.QueueItem) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item store.QueueItem) error

// Process calls f(ctx, item).
func (f ProcessorFunc) Process(ctx context.Context, item store.QueueItem) error {
	return f(ctx, item)
}

// BatchResult counts what one ProcessBatch did.
type BatchResult struct {
	Claimed int `json:"claimed"`
	Done    int `json:"processed"`
	Failed  int `json:"failed"`
}

// Worker claims and processes queue items.
type Worker struct {
	store      store.QueueStore
	processor  Processor
	sink       *deadletter.Sink
	tenantID   string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
}

// Option configures a Worker.
type Option func(*Worker)

// WithTenant restricts claims to one tenant.
func WithTenant(tenantID string) Option {
	return func(w *Worker) {
		w.tenantID = tenantID
	}
}

// WithStaleAfter sets how long an item may stay processing before
// ReclaimStale requeues it.
func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) {
		w.staleAfter = d
	}
}

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(w *Worker) {
		w.spans = s
	}
}

// NewWorker creates a worker. Items go to p; failures are quarantined in s.
func NewWorker(s store.Store, p Processor, opts ...Option) *Worker {
	w := &Worker{
		store:      s,
		processor:  p,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sink = deadletter.NewSink(s, w.now)
	return w
}

// ProcessBatch claims up to batchSize of the oldest queued items and
// processes them one at a time. Each item ends done, or failed with a dead
// letter carrying the full item. Only store failures are returned; item
// failures are counted in the result.
func (w *Worker) ProcessBatch(ctx context.Context, batchSize int) (res BatchResult, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, span := w.spans.StartBatchSpan(ctx, batchSize)
	defer func() { w.spans.EndSpanWithError(span, err) }()
	elapsed := observability.TimedOperation()

	items, err := w.store.ClaimQueued(ctx, w.tenantID, batchSize, w.now())
	if err != nil {
		return res, igerrors.Storage("claim queued", err)
	}
	res.Claimed = len(items)
	w.spans.AddSpanEvent(ctx, "claimed", attribute.Int("count", res.Claimed))

	for _, item := range items {
		started := w.now()
		procErr := w.process(ctx, item)
		w.metrics.RecordItem(ctx, item.Source, w.now().Sub(started), procErr)

		if procErr == nil {
			if err := w.store.CompleteItem(ctx, item.ID, w.now()); err != nil {
				return res, igerrors.Storage("complete item", err)
			}
			res.Done++
			continue
		}

		observability.LogItemFailed(w.logger, item.ID, procErr)
		if err := w.fail(ctx, item, procErr); err != nil {
			return res, err
		}
		res.Failed++
	}

	if res.Claimed > 0 {
		observability.LogBatch(w.logger, res.Claimed, res.Done, res.Failed, elapsed())
	}
	return res, nil
}

// process runs the processor, converting a panic into an item failure.
func (w *Worker) process(ctx context.Context, item store.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, item)
}

func (w *Worker) fail(ctx context.Context, item store.QueueItem, cause error) error {
	finished := w.now().UTC()
	if err := w.store.FailItem(ctx, item.ID, cause.Error(), finished); err != nil {
		return igerrors.Storage("fail item", err)
	}
	item.Status = store.StatusFailed
	item.Error = cause.Error()
	item.FinishedAt = &finished
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode failed item: %w", err)
	}
	if _, err := w.sink.Quarantine(ctx, WorkerFn, item.TenantID, string(payload), cause); err != nil {
		return err
	}
	return nil
}

// ReclaimStale requeues items that have been processing longer than the
// stale threshold, e.g. after a worker crashed mid-batch.
func (w *Worker) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := w.store.ReclaimStale(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return 0, igerrors.Storage("reclaim stale", err)
	}
	if n > 0 && w.logger != nil {
		w.logger.Warn("reclaimed stale items", slog.Int64("count", n))
	}
	return n, nil
}
