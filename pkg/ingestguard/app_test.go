package ingestguard_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/config"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/queue"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memorySettings() config.Settings {
	s := config.Defaults()
	s.StoreDSN = "memory://"
	s.Version = "test"
	return s
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	s := memorySettings()
	s.Worker.BatchSize = 0
	_, err := ingestguard.New(context.Background(), s)
	assert.ErrorContains(t, err, "worker.batch_size")
}

func TestNew_OpensStoreFromDSN(t *testing.T) {
	app, err := ingestguard.New(context.Background(), memorySettings(), ingestguard.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, ok := app.Store.(*store.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, app.Usage, "billing stays off without an api key")
}

func TestApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	proc := queue.ProcessorFunc(func(_ context.Context, it store.QueueItem) error {
		calls.Add(1)
		if strings.Contains(string(it.Body), "fail") {
			return errors.New("downstream down")
		}
		return nil
	})

	s := store.NewMemoryStore()
	app, err := ingestguard.New(ctx, memorySettings(),
		ingestguard.WithStore(s),
		ingestguard.WithLogger(quietLogger()),
		ingestguard.WithProcessor(proc),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("x-tenant-id", "acme")
		rec := httptest.NewRecorder()
		app.Handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, post("/webhooks/signalhouse", `{"n":1}`).Code)
	require.Equal(t, http.StatusOK, post("/webhooks/signalhouse", `{"fail":1}`).Code)

	rec := post("/workers/process-lead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"data":{"claimed":2,"processed":1,"failed":1}}`, rec.Body.String())

	rec = post("/cron/retry-deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"data":{"retried":1}}`, rec.Body.String())

	rec = post("/workers/process-lead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"data":{"claimed":0,"processed":0,"failed":0}}`, rec.Body.String())
	assert.Equal(t, int32(2), calls.Load())

	dls, err := s.ListRedrivable(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, queue.WorkerFn, dls[0].Fn)
	assert.Equal(t, "acme", dls[0].TenantID)
	assert.Equal(t, 1, dls[0].RetryCount)
}

func TestApp_RedriveOfFailedItemsIsBounded(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	app, err := ingestguard.New(ctx, memorySettings(),
		ingestguard.WithStore(s),
		ingestguard.WithLogger(quietLogger()),
		ingestguard.WithProcessor(queue.ProcessorFunc(func(context.Context, store.QueueItem) error {
			return errors.New("always down")
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, err = s.EnqueueItem(ctx, store.NewItem{TenantID: "acme", Source: "signalhouse", Body: []byte(`{"n":1}`)}, time.Now())
	require.NoError(t, err)

	for round := 1; round <= 8; round++ {
		_, err := app.Worker.ProcessBatch(ctx, 100)
		require.NoError(t, err)
		_, err = app.Redriver.Redrive(ctx, 5, 1<<20)
		require.NoError(t, err)

		items, err := s.ListItems(ctx, store.ItemFilter{})
		require.NoError(t, err)
		assert.Len(t, items, 1, "round %d", round)
	}

	redrivable, err := s.ListRedrivable(ctx, 5, 100)
	require.NoError(t, err)
	assert.Empty(t, redrivable, "retry budget exhausted")

	all, err := s.ListRedrivable(ctx, 1<<20, 100)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 5, all[0].RetryCount)
}

func TestApp_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore()
	app, err := ingestguard.New(ctx, memorySettings(),
		ingestguard.WithStore(s),
		ingestguard.WithLogger(quietLogger()),
		ingestguard.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, err = s.EnqueueItem(ctx, store.NewItem{TenantID: "a", Source: "x", Body: []byte(`{}`)}, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.ClaimQueued(ctx, "", 1, now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := app.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApp_ServeListener(t *testing.T) {
	app, err := ingestguard.New(context.Background(), memorySettings(), ingestguard.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "ingestguard: ok :: test"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApp_CloseTwice(t *testing.T) {
	app, err := ingestguard.New(context.Background(), memorySettings(), ingestguard.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, app.Close())
	assert.NoError(t, app.Close())
}
