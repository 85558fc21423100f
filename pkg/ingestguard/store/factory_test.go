package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory scheme", func(t *testing.T) {
		s, err := store.Open(ctx, "memory://")
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &store.MemoryStore{}, s)
	})

	t.Run("sqlite scheme", func(t *testing.T) {
		s, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "a.db"))
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &store.SQLStore{}, s)
	})

	t.Run("sqlite in-memory", func(t *testing.T) {
		s, err := store.Open(ctx, "sqlite://:memory:")
		require.NoError(t, err)
		defer s.Close()
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("bare path is sqlite", func(t *testing.T) {
		s, err := store.Open(ctx, filepath.Join(t.TempDir(), "b.db"))
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &store.SQLStore{}, s)
	})

	t.Run("rejects empty and unknown", func(t *testing.T) {
		_, err := store.Open(ctx, "  ")
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		_, err = store.Open(ctx, "mysql://localhost/db")
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		_, err = store.Open(ctx, "sqlite://")
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})
}
