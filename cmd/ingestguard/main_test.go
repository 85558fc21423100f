package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProcessCommand(t *testing.T) {
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "ig.db")

	s, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.EnqueueItem(ctx, store.NewItem{TenantID: "a", Source: "x", Body: json.RawMessage(`{}`)}, time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	out, err := run(t, "--dsn", dsn, "process", "--batch", "2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"claimed":2,"processed":2,"failed":0}`, out)

	out, err = run(t, "--dsn", dsn, "process")
	require.NoError(t, err)
	assert.JSONEq(t, `{"claimed":1,"processed":1,"failed":0}`, out)
}

func TestRedriveAndSweepCommands(t *testing.T) {
	out, err := run(t, "--dsn", "memory://", "redrive", "--max-retries", "3", "--batch", "10")
	require.NoError(t, err)
	assert.JSONEq(t, `{"retried":0}`, out)

	out, err = run(t, "--dsn", "memory://", "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reclaimed":0}`, out)
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := run(t, "--dsn", "memory://", "--log-format", "xml", "sweep")
	assert.ErrorContains(t, err, "invalid log format")
}

func TestUnknownDSN(t *testing.T) {
	_, err := run(t, "--dsn", "redis://localhost", "sweep")
	assert.Error(t, err)
}
