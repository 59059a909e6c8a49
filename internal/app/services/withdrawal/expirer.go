package withdrawal

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/custody_ledger/internal/app/system"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

var _ system.Service = (*Expirer)(nil)

// Expirer periodically runs the pipeline's expiry sweep and retries
// deferred network fees.
type Expirer struct {
	pipeline *Pipeline
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewExpirer creates a lifecycle-managed expiry sweep.
func NewExpirer(pipeline *Pipeline, interval time.Duration, log *logger.Logger) *Expirer {
	if log == nil {
		log = logger.NewDefault("withdrawal-expirer")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Expirer{
		pipeline: pipeline,
		interval: interval,
		timeout:  30 * time.Second,
		log:      log,
	}
}

func (e *Expirer) Name() string { return "withdrawal-expirer" }

func (e *Expirer) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.tick(runCtx)
			}
		}
	}()

	e.log.WithField("interval", e.interval).Info("withdrawal expirer started")
	return nil
}

func (e *Expirer) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.Info("withdrawal expirer stopped")
	return nil
}

func (e *Expirer) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	moved, err := e.pipeline.ExpireStale(ctx)
	if err != nil {
		e.log.WithError(err).Warn("withdrawal expiry sweep failed")
	} else if moved > 0 {
		e.log.WithField("expired", moved).Info("withdrawal expiry sweep")
	}

	settled, err := e.pipeline.SettleFees(ctx)
	if err != nil {
		e.log.WithError(err).Warn("deferred fee sweep failed")
	} else if settled > 0 {
		e.log.WithField("settled", settled).Info("deferred fee sweep")
	}
}
