// Package idempotency rejects events that were already accepted.
//
// A key is the (tenant, provider, external id) triple. Keys are
// NFC-normalized so canonically equal strings collide; any other difference,
// whitespace included, makes a distinct key.
package idempotency

import (
	"context"
	"time"

	"golang.org/x/text/unicode/norm"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Guard records accepted event keys.
type Guard struct {
	store store.IdempotencyStore
	now   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the clock used to stamp created_at.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard creates a Guard over s.
func NewGuard(s store.IdempotencyStore, opts ...Option) *Guard {
	g := &Guard{store: s, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureUnique records the key and reports whether it is new. A duplicate
// returns (false, nil); callers treat it as an already-handled success.
func (g *Guard) EnsureUnique(ctx context.Context, tenantID, provider, externalID string) (bool, error) {
	key := NormalizeKey(store.EventKey{TenantID: tenantID, Provider: provider, ExternalID: externalID})
	inserted, err := g.store.InsertEvent(ctx, key, g.now())
	if err != nil {
		return false, igerrors.Storage("ensure unique", err)
	}
	return inserted, nil
}

// NormalizeKey NFC-normalizes every field of key.
func NormalizeKey(key store.EventKey) store.EventKey {
	return store.EventKey{
		TenantID:   normalize(key.TenantID),
		Provider:   normalize(key.Provider),
		ExternalID: normalize(key.ExternalID),
	}
}

func normalize(s string) string {
	return norm.NFC.String(s)
}
