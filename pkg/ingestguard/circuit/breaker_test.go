package circuit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/circuit"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transitionRecorder struct {
	observability.NoopMetrics
	mu   sync.Mutex
	seen []string
}

func (r *transitionRecorder) RecordCircuitTransition(_ context.Context, _, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, from+"->"+to)
}

func newBreaker(t *testing.T, cfg circuit.Config) (*circuit.Breaker, *fakeClock, *transitionRecorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &transitionRecorder{}
	b, err := circuit.NewBreaker(store.NewMemoryStore(), cfg,
		circuit.WithClock(clock.Now),
		circuit.WithMetrics(rec),
	)
	require.NoError(t, err)
	return b, clock, rec
}

func fail(err error) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return 0, err }
}

func succeed(context.Context) (int, error) { return 42, nil }

func TestConfigValidate(t *testing.T) {
	require.NoError(t, circuit.DefaultConfig.Validate())

	bad := []circuit.Config{
		{FailureThreshold: 0, Cooldown: time.Second, HalfOpenMax: 1},
		{FailureThreshold: 1, Cooldown: 0, HalfOpenMax: 1},
		{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMax: 0},
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate())
		_, err := circuit.NewBreaker(store.NewMemoryStore(), cfg)
		assert.Error(t, err)
	}
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _, rec := newBreaker(t, circuit.Config{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := circuit.Execute(ctx, b, "billing", fail(boom))
		assert.Same(t, boom, err, "the operation's error is returned unchanged")
	}

	called := false
	_, err := circuit.Execute(ctx, b, "billing", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, igerrors.ErrCircuitOpen)
	assert.False(t, called, "open circuit must not invoke the operation")
	assert.Equal(t, []string{"closed->open"}, rec.seen)

	st, err := b.State(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBreaker(t, circuit.Config{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	_, _ = circuit.Execute(ctx, b, "svc", fail(errors.New("x")))
	got, err := circuit.Execute(ctx, b, "svc", succeed)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	_, _ = circuit.Execute(ctx, b, "svc", fail(errors.New("x")))

	st, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, st.State, "failures are consecutive")
	assert.Equal(t, 1, st.FailureCount)
}

func TestExecute_HalfOpenTrialCloses(t *testing.T) {
	ctx := context.Background()
	b, clock, rec := newBreaker(t, circuit.Config{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 2})

	_, _ = circuit.Execute(ctx, b, "svc", fail(errors.New("x")))

	clock.Advance(59 * time.Second)
	_, err := circuit.Execute(ctx, b, "svc", succeed)
	assert.ErrorIs(t, err, igerrors.ErrCircuitOpen)

	clock.Advance(time.Second)
	got, err := circuit.Execute(ctx, b, "svc", succeed)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	st, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.HalfOpenCount)
	assert.Nil(t, st.LastFailureAt)
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, rec.seen)
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, clock, rec := newBreaker(t, circuit.Config{FailureThreshold: 5, Cooldown: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 5; i++ {
		_, _ = circuit.Execute(ctx, b, "svc", fail(errors.New("x")))
	}
	clock.Advance(time.Minute)

	_, err := circuit.Execute(ctx, b, "svc", fail(errors.New("still down")))
	assert.EqualError(t, err, "still down")

	st, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, st.State)
	require.NotNil(t, st.LastFailureAt)
	assert.True(t, st.LastFailureAt.Equal(clock.Now()), "cooldown restarts from the trial failure")
	assert.Equal(t, "half_open->open", rec.seen[len(rec.seen)-1])

	_, err = circuit.Execute(ctx, b, "svc", succeed)
	assert.ErrorIs(t, err, igerrors.ErrCircuitOpen)
}

func TestExecute_HalfOpenExhausted(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newBreaker(t, circuit.Config{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 2})

	_, _ = circuit.Execute(ctx, b, "svc", fail(errors.New("x")))
	clock.Advance(time.Minute)

	var (
		entered sync.WaitGroup
		done    sync.WaitGroup
	)
	release := make(chan struct{})
	entered.Add(2)
	done.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer done.Done()
			_, _ = circuit.Execute(ctx, b, "svc", func(context.Context) (int, error) {
				entered.Done()
				<-release
				return 1, nil
			})
		}()
	}
	entered.Wait()

	called := false
	_, err := circuit.Execute(ctx, b, "svc", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, igerrors.ErrHalfOpenExhausted)
	assert.False(t, called)

	st, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.LessOrEqual(t, st.HalfOpenCount, 2)

	close(release)
	done.Wait()

	st, err = b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, st.State)
}

func TestExecute_ServicesAreIndependent(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBreaker(t, circuit.Config{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})

	_, _ = circuit.Execute(ctx, b, "a", fail(errors.New("x")))
	_, err := circuit.Execute(ctx, b, "b", succeed)
	assert.NoError(t, err)
}

func TestExecute_StoreErrorDoesNotInvoke(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Close())
	b, err := circuit.NewBreaker(s, circuit.DefaultConfig)
	require.NoError(t, err)

	called := false
	_, err = circuit.Execute(context.Background(), b, "svc", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, igerrors.ErrStorage)
	assert.False(t, called)
}

// bookkeepingFailStore admits calls but cannot record their outcome.
type bookkeepingFailStore struct {
	*store.MemoryStore
}

var errBookkeeping = errors.New("disk full")

func (bookkeepingFailStore) RecordSuccess(context.Context, string, time.Duration) error {
	return errBookkeeping
}

func (bookkeepingFailStore) RecordFailure(context.Context, string, int, time.Duration, time.Time) (store.CircuitState, error) {
	return store.CircuitState{}, errBookkeeping
}

type storeErrorCounter struct {
	observability.NoopMetrics
	mu  sync.Mutex
	ops []string
}

func (c *storeErrorCounter) RecordStoreError(_ context.Context, component, op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, component+":"+op)
}

func TestExecute_BookkeepingFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	counter := &storeErrorCounter{}
	b, err := circuit.NewBreaker(bookkeepingFailStore{store.NewMemoryStore()}, circuit.DefaultConfig,
		circuit.WithMetrics(counter))
	require.NoError(t, err)

	downstream := errors.New("downstream 502")
	_, err = circuit.Execute(ctx, b, "svc", fail(downstream))
	require.Error(t, err)
	assert.ErrorIs(t, err, downstream)
	assert.ErrorIs(t, err, igerrors.ErrStorage)
	assert.ErrorIs(t, err, errBookkeeping)

	got, err := circuit.Execute(ctx, b, "svc", succeed)
	require.NoError(t, err, "a completed call keeps its result")
	assert.Equal(t, 42, got)

	assert.Equal(t, []string{"circuit:record failure", "circuit:record success"}, counter.ops)
}
