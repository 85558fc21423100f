package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ingestguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	created, err := s1.InsertEvent(ctx, store.EventKey{TenantID: "a", Provider: "p", ExternalID: "1"}, t0)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s1.Close())

	// Reopening applies the schema again without touching existing rows.
	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	created, err = s2.InsertEvent(ctx, store.EventKey{TenantID: "a", Provider: "p", ExternalID: "1"}, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "sqlite", s2.Dialect())
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)

	_, err = store.NewSQLiteStore("")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}
