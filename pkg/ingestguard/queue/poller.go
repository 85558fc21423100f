package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PollerConfig configures the background worker loop.
type PollerConfig struct {
	// BatchSize is the claim size per tick.
	// Default: 25
	BatchSize int

	// PollInterval is how often a batch is claimed.
	// Default: 5 seconds
	PollInterval time.Duration

	// SweepInterval is how often stale items are reclaimed.
	// Default: 1 minute
	SweepInterval time.Duration
}

// DefaultPollerConfig provides reasonable defaults.
var DefaultPollerConfig = PollerConfig{
	BatchSize:     DefaultBatchSize,
	PollInterval:  5 * time.Second,
	SweepInterval: time.Minute,
}

// Poller runs a Worker on a ticker and sweeps stale items.
type Poller struct {
	worker  *Worker
	cfg     PollerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewPoller creates a poller. Zero config fields take defaults.
func NewPoller(w *Worker, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPollerConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollerConfig.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultPollerConfig.SweepInterval
	}
	return &Poller{worker: w, cfg: cfg, logger: logger}
}

// Start begins polling in the background. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.doneCh)
}

// Stop halts polling and waits for an in-flight batch to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.running = false
	p.mu.Unlock()

	<-done
}

// Run polls until ctx is done, then stops and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

func (p *Poller) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-sweep.C:
			if _, err := p.worker.ReclaimStale(ctx); err != nil {
				p.logError("stale sweep failed", err)
			}
		case <-poll.C:
			// Drain while full batches keep coming back.
			for {
				res, err := p.worker.ProcessBatch(ctx, p.cfg.BatchSize)
				if err != nil {
					p.logError("batch failed", err)
					break
				}
				if res.Claimed < p.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (p *Poller) logError(msg string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error(msg, slog.String("error", err.Error()))
}
