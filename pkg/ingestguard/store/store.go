// Package store provides the shared state store every ingestguard component
// persists through, so stateless handler instances observe one consistent view.
//
// Three adapters implement Store:
//   - MemoryStore for tests and single-process use
//   - SQLStore over SQLite (modernc.org/sqlite) for single-node deployments
//   - SQLStore over PostgreSQL (pgx) for shared multi-instance deployments
//
// Conditional transitions (queue claim, half-open trial reservation, failure
// accounting) are single atomic statements in every adapter.
package store

import (
	"context"
	"errors"
	"time"
)

// Store is the full set of row operations used by the reliability layer.
// Implementations must be safe for concurrent use.
type Store interface {
	IdempotencyStore
	RateLimitStore
	CircuitStore
	QueueStore
	DeadLetterStore

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// IdempotencyStore persists accepted event keys.
type IdempotencyStore interface {
	// InsertEvent inserts the key and reports whether a row was created.
	// A uniqueness conflict returns (false, nil).
	InsertEvent(ctx context.Context, key EventKey, now time.Time) (bool, error)
}

// RateLimitStore persists append-only rate-limit samples.
type RateLimitStore interface {
	// CountSamples counts samples for (tenant, bucket) with ts >= since.
	CountSamples(ctx context.Context, tenantID, bucket string, since time.Time) (int, error)

	// InsertSample appends a sample stamped ts.
	InsertSample(ctx context.Context, tenantID, bucket string, ts time.Time) error

	// PruneSamples deletes samples older than before and returns how many.
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// CircuitStore persists per-service breaker state.
type CircuitStore interface {
	// LoadCircuit returns the state for service. found is false if no row exists.
	LoadCircuit(ctx context.Context, service string) (state CircuitState, found bool, err error)

	// OpenToHalfOpen moves an open circuit whose cooldown has elapsed at now
	// to half_open with a zero trial count. Reports whether this call made
	// the transition.
	OpenToHalfOpen(ctx context.Context, service string, now time.Time) (bool, error)

	// ReserveTrial increments half_open_count if the circuit is half_open
	// and fewer than max trials are reserved. Reports whether a slot was taken.
	ReserveTrial(ctx context.Context, service string, max int) (bool, error)

	// RecordSuccess closes the circuit and resets all counters.
	RecordSuccess(ctx context.Context, service string, cooldown time.Duration) error

	// RecordFailure increments failure_count and stamps last_failure_at.
	// The circuit opens when the new count reaches threshold or the circuit
	// was not closed. Returns the resulting state.
	RecordFailure(ctx context.Context, service string, threshold int, cooldown time.Duration, now time.Time) (CircuitState, error)
}

// QueueStore persists queue items.
type QueueStore interface {
	// EnqueueItem inserts a queued item with a fresh id.
	EnqueueItem(ctx context.Context, item NewItem, now time.Time) (QueueItem, error)

	// ClaimQueued atomically moves up to limit of the oldest queued items to
	// processing, stamping started_at. An empty tenantID claims across tenants.
	// Returned items are in FIFO order. No item is ever returned to two callers.
	ClaimQueued(ctx context.Context, tenantID string, limit int, now time.Time) ([]QueueItem, error)

	// CompleteItem moves a processing item to done.
	CompleteItem(ctx context.Context, id string, now time.Time) error

	// FailItem moves a processing item to failed with errText, stamping
	// finished_at.
	FailItem(ctx context.Context, id string, errText string, now time.Time) error

	// ReclaimStale resets processing items started before startedBefore back
	// to queued and returns how many were reset.
	ReclaimStale(ctx context.Context, startedBefore time.Time) (int64, error)

	// GetItem returns one item. Returns ErrNotFound if it doesn't exist.
	GetItem(ctx context.Context, id string) (QueueItem, error)

	// ListItems returns items matching filter in FIFO order.
	ListItems(ctx context.Context, filter ItemFilter) ([]QueueItem, error)

	// CountItems counts items for a tenant in a status. Empty values match all.
	CountItems(ctx context.Context, tenantID string, status ItemStatus) (int, error)
}

// DeadLetterStore persists dead-letter records.
type DeadLetterStore interface {
	// InsertDeadLetter inserts a record with retry_count 0.
	InsertDeadLetter(ctx context.Context, dl NewDeadLetter, now time.Time) (DeadLetter, error)

	// ListRedrivable returns up to limit records with retry_count < maxRetryCount,
	// oldest first.
	ListRedrivable(ctx context.Context, maxRetryCount, limit int) ([]DeadLetter, error)

	// RecordRedriveAttempt increments retry_count and stamps last_retry_at.
	RecordRedriveAttempt(ctx context.Context, id string, now time.Time) error

	// GetDeadLetter returns one record. Returns ErrNotFound if it doesn't exist.
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a row doesn't exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition indicates a status update found no row in the
	// expected source status.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store: closed")

	// ErrInvalidInput indicates a malformed argument such as an empty DSN.
	ErrInvalidInput = errors.New("store: invalid input")
)
