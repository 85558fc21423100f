package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
	"github.com/stretchr/testify/require"
)

// Runs against a real database only when INGESTGUARD_POSTGRES_DSN is set.
// Each subtest truncates the tables first.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("INGESTGUARD_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INGESTGUARD_POSTGRES_DSN not set (integration test)")
	}

	runStoreSuite(t, func(t *testing.T) store.Store {
		s, err := store.NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		_, err = s.DB().Exec(`TRUNCATE idempotency_keys, rate_limits, circuit_breakers, queue_items, dead_letters`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
