package store

import (
	"encoding/json"
	"time"
)

// EventKey identifies an accepted event. Unique together.
type EventKey struct {
	TenantID   string
	Provider   string
	ExternalID string
}

// ItemStatus is the lifecycle status of a queue item.
type ItemStatus string

const (
	StatusQueued     ItemStatus = "queued"
	StatusProcessing ItemStatus = "processing"
	StatusDone       ItemStatus = "done"
	StatusFailed     ItemStatus = "failed"
)

// NewItem is the input for EnqueueItem.
type NewItem struct {
	TenantID string
	Source   string
	Body     json.RawMessage
}

// QueueItem is a unit of work.
type QueueItem struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	TenantID   string          `json:"tenant_id"`
	Source     string          `json:"source"`
	Body       json.RawMessage `json:"body"`
	Status     ItemStatus      `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ItemFilter narrows ListItems. Zero values match everything.
type ItemFilter struct {
	TenantID string
	Status   ItemStatus
	Limit    int
}

// NewDeadLetter is the input for InsertDeadLetter.
type NewDeadLetter struct {
	Fn       string
	TenantID string
	Payload  string
	Error    string
}

// DeadLetter is a quarantined failure.
type DeadLetter struct {
	ID          string     `json:"id"`
	Fn          string     `json:"fn"`
	TenantID    string     `json:"tenant_id"`
	Payload     string     `json:"payload"`
	Error       string     `json:"error"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
}

// CircuitStatus is a breaker state.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the persisted state of one service's breaker.
type CircuitState struct {
	Service       string
	State         CircuitStatus
	FailureCount  int
	LastFailureAt *time.Time
	Cooldown      time.Duration
	HalfOpenCount int
}

// OpenUntil returns when an open circuit may move to half_open.
func (c CircuitState) OpenUntil() time.Time {
	var last time.Time
	if c.LastFailureAt != nil {
		last = *c.LastFailureAt
	} else {
		last = time.Unix(0, 0).UTC()
	}
	return last.Add(c.Cooldown)
}

// DefaultTenant is used when a caller supplies no tenant.
const DefaultTenant = "public"

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
