package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/idempotency"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) InsertEvent(context.Context, store.EventKey, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestEnsureUnique(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore())

	first, err := g.EnsureUnique(ctx, "acme", "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := g.EnsureUnique(ctx, "acme", "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, second)

	other, err := g.EnsureUnique(ctx, "acme", "github", "evt_1")
	require.NoError(t, err)
	assert.True(t, other, "provider is part of the key")
}

func TestEnsureUnique_Normalization(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore())

	// "é" precomposed vs. "e" + combining acute accent.
	first, err := g.EnsureUnique(ctx, "acme", "lead", "caf\u00e9")
	require.NoError(t, err)
	require.True(t, first)

	second, err := g.EnsureUnique(ctx, "acme", "lead", "cafe\u0301")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestEnsureUnique_WhitespaceIsSignificant(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore())

	first, err := g.EnsureUnique(ctx, "acme", "stripe", "evt_1")
	require.NoError(t, err)
	require.True(t, first)

	for _, id := range []string{"evt_1 ", " evt_1", "evt_1\t"} {
		ok, err := g.EnsureUnique(ctx, "acme", "stripe", id)
		require.NoError(t, err)
		assert.True(t, ok, "%q is a distinct key", id)
	}
	ok, err := g.EnsureUnique(ctx, " acme", "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, ok, "tenant whitespace is not trimmed")
}

func TestEnsureUnique_StorageError(t *testing.T) {
	g := idempotency.NewGuard(failingStore{})
	_, err := g.EnsureUnique(context.Background(), "a", "b", "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, igerrors.ErrStorage)
}

func TestEnsureUnique_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := idempotency.NewGuard(store.NewMemoryStore(), idempotency.WithClock(func() time.Time { return fixed }))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.EnsureUnique(ctx, "acme", "stripe", "evt_race")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
