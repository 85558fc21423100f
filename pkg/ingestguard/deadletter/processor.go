package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProcessorConfig configures the background redrive loop.
type ProcessorConfig struct {
	// MaxRetryCount bounds how often a record is attempted.
	// Default: 5
	MaxRetryCount int

	// BatchSize is the number of records per pass.
	// Default: 50
	BatchSize int

	// PollInterval is how often a pass runs.
	// Default: 5 minutes
	PollInterval time.Duration
}

// DefaultProcessorConfig provides reasonable defaults.
var DefaultProcessorConfig = ProcessorConfig{
	MaxRetryCount: DefaultMaxRetryCount,
	BatchSize:     DefaultBatchSize,
	PollInterval:  5 * time.Minute,
}

// Processor runs Redrive on a ticker.
type Processor struct {
	redriver *Redriver
	cfg      ProcessorConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewProcessor creates a processor. Zero config fields take defaults.
func NewProcessor(r *Redriver, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = DefaultProcessorConfig.MaxRetryCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProcessorConfig.PollInterval
	}
	return &Processor{redriver: r, cfg: cfg, logger: logger}
}

// Start begins redriving in the background. Calling Start twice is a no-op.
func (p *Processor) Start(ctx context.Context) {
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

// Stop halts the loop and waits for an in-flight pass to finish.
func (p *Processor) Stop() {
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

// Run redrives until ctx is done, then stops and returns ctx.Err().
func (p *Processor) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

func (p *Processor) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := p.redriver.Redrive(ctx, p.cfg.MaxRetryCount, p.cfg.BatchSize); err != nil && p.logger != nil {
				p.logger.Error("redrive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
