package ingestguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/circuit"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/config"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/deadletter"
	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/httpapi"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/ingest"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/queue"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/remote"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App holds every wired component.
type App struct {
	Settings config.Settings
	Store    store.Store
	Logger   *slog.Logger
	Gateway  *ingest.Gateway
	Worker   *queue.Worker
	Redriver *deadletter.Redriver

	// Usage is nil when no billing API key is configured.
	Usage *remote.UsageRecorder

	Handler http.Handler

	now       func() time.Time
	processor queue.Processor
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	poller    *queue.Poller
	redrive   *deadletter.Processor

	mu      sync.Mutex
	pruneCh chan struct{}
	pruneWG sync.WaitGroup
	closed  bool
}

// Option configures New.
type Option func(*App)

// WithStore uses s instead of opening Settings.StoreDSN. The App takes
// ownership and closes it.
func WithStore(s store.Store) Option {
	return func(a *App) {
		a.Store = s
	}
}

// WithLogger sets the logger. Defaults to a logger built from Settings.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.Logger = logger
	}
}

// WithClock injects the clock into every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.now = now
	}
}

// WithProcessor overrides the queue processor chosen from Settings.
func WithProcessor(p queue.Processor) Option {
	return func(a *App) {
		a.processor = p
	}
}

// New wires an App from settings.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	a := &App{Settings: settings, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.Logger == nil {
		a.Logger = observability.NewLogger(os.Stderr, settings.LogFormat, settings.LogLevel)
	}
	a.metrics = observability.NoopMetrics{}
	a.spans = observability.NoopSpanManager{}
	if settings.MetricsEnabled {
		a.metrics = observability.NewMetricsRecorder()
		a.spans = observability.NewSpanManager()
	}

	if a.Store == nil {
		s, err := store.Open(ctx, settings.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.Store = s
	}

	if err := a.wire(); err != nil {
		_ = a.Store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	s := a.Settings
	breakerOpts := []circuit.Option{
		circuit.WithClock(a.now),
		circuit.WithLogger(a.Logger),
		circuit.WithMetrics(a.metrics),
	}
	retry := igerrors.NewRetryConfig(
		igerrors.WithMaxAttempts(s.Retry.Attempts),
		igerrors.WithInitialBackoff(s.Retry.BaseDelay),
		igerrors.WithBackoffFactor(s.Retry.Factor),
	)

	lead, err := ingest.NewLeadValidator()
	if err != nil {
		return err
	}
	a.Gateway = ingest.NewGateway(a.Store,
		ingest.WithRateLimit(ingest.RateLimit{Limit: s.RateLimit.Limit, Window: s.RateLimit.Window}),
		ingest.WithValidator(ingest.LeadProvider, lead),
		ingest.WithClock(a.now),
		ingest.WithLogger(a.Logger),
		ingest.WithMetrics(a.metrics),
	)

	processor := a.processor
	switch {
	case processor != nil:
	case s.DownstreamURL != "":
		breaker, err := circuit.NewBreaker(a.Store, circuit.Config{
			FailureThreshold: s.Circuit.FailureThreshold,
			Cooldown:         s.Circuit.Cooldown,
			HalfOpenMax:      s.Circuit.HalfOpenMax,
		}, breakerOpts...)
		if err != nil {
			return err
		}
		processor = queue.NewForwardProcessor(s.DownstreamURL, breaker,
			remote.CountRetries(retry, queue.DownstreamService, a.metrics), 10*time.Second)
	default:
		processor = queue.NoopProcessor{}
	}
	a.Worker = queue.NewWorker(a.Store, processor,
		queue.WithStaleAfter(s.Worker.StaleAfter),
		queue.WithClock(a.now),
		queue.WithLogger(a.Logger),
		queue.WithMetrics(a.metrics),
		queue.WithSpans(a.spans),
	)

	a.Redriver = deadletter.NewRedriver(a.Store,
		deadletter.WithClock(a.now),
		deadletter.WithLogger(a.Logger),
		deadletter.WithMetrics(a.metrics),
		deadletter.WithSpans(a.spans),
	)
	a.Redriver.Handle(ingest.WebhookFnPrefix, ingest.RedriveHandler(a.Store, a.now))
	a.Redriver.Handle(ingest.LeadIntakeFn, ingest.RedriveHandler(a.Store, a.now))

	deps := httpapi.Deps{
		Gateway:  a.Gateway,
		Worker:   a.Worker,
		Redriver: a.Redriver,
		Health:   a.Store,
		Logger:   a.Logger,
	}
	if s.Billing.APIKey != "" {
		usage, err := remote.NewUsageRecorder(s.Billing.Endpoint, s.Billing.APIKey, a.Store,
			remote.CountRetries(retry, remote.BillingService, a.metrics), breakerOpts...)
		if err != nil {
			return err
		}
		a.Usage = usage
		deps.Usage = usage
	}

	a.Handler = httpapi.NewRouter(deps, httpapi.Config{
		Version:              s.Version,
		CORSOrigins:          s.CORSOrigins,
		WorkerBatchSize:      s.Worker.BatchSize,
		RedriveMaxRetryCount: s.Redrive.MaxRetryCount,
		RedriveBatchSize:     s.Redrive.BatchSize,
	})

	a.poller = queue.NewPoller(a.Worker, queue.PollerConfig{
		BatchSize:    s.Worker.BatchSize,
		PollInterval: s.Worker.Interval,
	}, a.Logger)
	a.redrive = deadletter.NewProcessor(a.Redriver, deadletter.ProcessorConfig{
		MaxRetryCount: s.Redrive.MaxRetryCount,
		BatchSize:     s.Redrive.BatchSize,
		PollInterval:  s.Redrive.Interval,
	}, a.Logger)
	return nil
}

// Start launches the background worker, stale sweep, redrive and
// rate-limit pruning loops. Stop halts them.
func (a *App) Start(ctx context.Context) {
	a.poller.Start(ctx)
	a.redrive.Start(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pruneCh != nil || a.Settings.RateLimit.Limit == 0 {
		return
	}
	a.pruneCh = make(chan struct{})
	a.pruneWG.Add(1)
	go a.pruneLoop(ctx, a.pruneCh)
}

func (a *App) pruneLoop(ctx context.Context, stop chan struct{}) {
	defer a.pruneWG.Done()
	window := a.Settings.RateLimit.Window
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := a.Gateway.Limiter().Prune(ctx, window); err != nil {
				a.Logger.Error("rate limit prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts the background loops and waits for them to exit.
func (a *App) Stop() {
	a.poller.Stop()
	a.redrive.Stop()

	a.mu.Lock()
	stop := a.pruneCh
	a.pruneCh = nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		a.pruneWG.Wait()
	}
}

// Sweep requeues stale processing items and prunes expired rate-limit
// samples. It returns the number of items requeued.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	n, err := a.Worker.ReclaimStale(ctx)
	if err != nil {
		return 0, err
	}
	if a.Settings.RateLimit.Limit > 0 {
		if _, err := a.Gateway.Limiter().Prune(ctx, a.Settings.RateLimit.Window); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Serve runs the HTTP API and the background loops until ctx is done, then
// shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Settings.ListenAddr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.Start(ctx)
	defer a.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops background work and closes the store. Safe to call twice.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.Stop()
	return a.Store.Close()
}
