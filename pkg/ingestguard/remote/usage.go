package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/circuit"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// BillingService is the breaker key for usage recording.
const BillingService = "billing"

// BillingCircuit opens after 4 consecutive failures.
var BillingCircuit = circuit.Config{
	FailureThreshold: 4,
	Cooldown:         60 * time.Second,
	HalfOpenMax:      3,
}

// ErrBillingNotConfigured is returned when no API key is set.
var ErrBillingNotConfigured = errors.New("billing: api key not configured")

// UsageRecord is one metered usage increment.
type UsageRecord struct {
	SubscriptionItem string `json:"subscription_item"`
	Quantity         int64  `json:"quantity"`
	Timestamp        int64  `json:"timestamp"`
	Action           string `json:"action"`
}

// UsageRecorder posts usage records to a billing API.
type UsageRecorder struct {
	endpoint string
	client   *HTTPClient
	breaker  *circuit.Breaker
	retry    igerrors.RetryConfig
	now      func() time.Time
}

// NewUsageRecorder creates a recorder posting to
// {endpoint}/subscription_items/{item}/usage_records with a bearer apiKey.
// An empty apiKey yields a recorder whose Record always fails with
// ErrBillingNotConfigured.
func NewUsageRecorder(endpoint, apiKey string, s store.CircuitStore, retry igerrors.RetryConfig, opts ...circuit.Option) (*UsageRecorder, error) {
	b, err := circuit.NewBreaker(s, BillingCircuit, opts...)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &UsageRecorder{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   NewHTTPClient(10*time.Second, header),
		breaker:  b,
		retry:    retry,
		now:      time.Now,
	}, nil
}

// Record validates rec, fills defaults (quantity 1, timestamp now, action
// increment) and posts it. The decoded response body is returned.
func (u *UsageRecorder) Record(ctx context.Context, rec UsageRecord) (json.RawMessage, error) {
	if u.client.header.Get("Authorization") == "" {
		return nil, ErrBillingNotConfigured
	}
	if strings.TrimSpace(rec.SubscriptionItem) == "" {
		return nil, igerrors.Validation("subscription_item", "is required")
	}
	if rec.Quantity == 0 {
		rec.Quantity = 1
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = u.now().Unix()
	}
	rec.Action = "increment"

	target := u.endpoint + "/subscription_items/" + url.PathEscape(rec.SubscriptionItem) + "/usage_records"
	form := url.Values{
		"quantity":  {strconv.FormatInt(rec.Quantity, 10)},
		"timestamp": {strconv.FormatInt(rec.Timestamp, 10)},
		"action":    {rec.Action},
	}

	body, err := Call(ctx, u.breaker, BillingService, u.retry, func(ctx context.Context) ([]byte, error) {
		return u.client.PostForm(ctx, target, form)
	})
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, igerrors.Permanent(errors.New("billing returned non-JSON body"), "record usage")
	}
	return json.RawMessage(body), nil
}
