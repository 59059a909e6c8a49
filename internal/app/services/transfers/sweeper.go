package transfers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/internal/app/system"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "@every 1m"

// Sweeper runs Resolver.Sweep on a cron schedule.
type Sweeper struct {
	resolver *Resolver
	schedule string
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewSweeper creates a stopped sweeper. schedule accepts standard five-field
// cron expressions and descriptors such as "@every 5m".
func NewSweeper(resolver *Resolver, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("transfer-sweeper")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{
		resolver: resolver,
		schedule: schedule,
		timeout:  time.Minute,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "transfer-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.Run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("transfer sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("transfer sweeper stopped")
	return nil
}

// Run performs one sweep bounded by the sweep timeout.
func (s *Sweeper) Run(ctx context.Context) SweepResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.resolver.Sweep(ctx)
	entry := s.log.WithFields(logrus.Fields{
		"expired": result.Expired,
		"resumed": result.Resumed,
		"failed":  result.Failed,
	})
	switch {
	case err != nil:
		entry.WithError(err).Warn("transfer sweep failed")
	case result.Expired+result.Resumed+result.Failed > 0:
		entry.Info("transfer sweep")
	}
	return result
}
