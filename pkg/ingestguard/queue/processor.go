package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/circuit"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/remote"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// NoopProcessor marks every item done without side effects.
type NoopProcessor struct{}

// Process implements Processor.
func (NoopProcessor) Process(context.Context, store.QueueItem) error {
	return nil
}

// DownstreamService is the breaker key for forwarded items.
const DownstreamService = "downstream"

// ForwardProcessor POSTs each item to a downstream URL through the circuit
// breaker and retry executor.
type ForwardProcessor struct {
	url     string
	client  *remote.HTTPClient
	breaker *circuit.Breaker
	retry   igerrors.RetryConfig
}

// NewForwardProcessor creates a processor posting to url.
func NewForwardProcessor(url string, b *circuit.Breaker, retry igerrors.RetryConfig, timeout time.Duration) *ForwardProcessor {
	return &ForwardProcessor{
		url:     url,
		client:  remote.NewHTTPClient(timeout, nil),
		breaker: b,
		retry:   retry,
	}
}

type forwardEnvelope struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Source   string          `json:"source"`
	Body     json.RawMessage `json:"body"`
}

// Process implements Processor.
func (p *ForwardProcessor) Process(ctx context.Context, item store.QueueItem) error {
	payload, err := json.Marshal(forwardEnvelope{
		ID:       item.ID,
		TenantID: item.TenantID,
		Source:   item.Source,
		Body:     item.Body,
	})
	if err != nil {
		return igerrors.Permanent(err, "encode item")
	}
	_, err = remote.Call(ctx, p.breaker, DownstreamService, p.retry, func(ctx context.Context) ([]byte, error) {
		return p.client.PostJSON(ctx, p.url, payload)
	})
	return err
}
