package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/deadletter"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// RedriveHandler re-enqueues a dead letter written by the gateway as a fresh
// queued item with source "<provider>-dlq". Register it for WebhookFnPrefix
// and LeadIntakeFn.
func RedriveHandler(q store.QueueStore, now func() time.Time) deadletter.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, dl store.DeadLetter) error {
		provider := providerOf(dl.Fn)
		body := json.RawMessage(dl.Payload)
		if !json.Valid(body) {
			// Keep unparseable payloads as a JSON string so nothing is lost.
			encoded, err := json.Marshal(dl.Payload)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			body = encoded
		}
		_, err := q.EnqueueItem(ctx, store.NewItem{
			TenantID: dl.TenantID,
			Source:   provider + "-dlq",
			Body:     body,
		}, now())
		if err != nil {
			return fmt.Errorf("re-enqueue %s: %w", dl.ID, err)
		}
		return nil
	}
}

func providerOf(fn string) string {
	if fn == LeadIntakeFn {
		return LeadProvider
	}
	return strings.TrimPrefix(fn, WebhookFnPrefix)
}
