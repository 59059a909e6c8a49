// Package sponsor guards the shared budget the platform draws from to pay
// network fees on users' behalf.
package sponsor

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// Ceiling names used in BUDGET_EXCEEDED errors.
const (
	CeilingDaily   = "daily"
	CeilingTotal   = "total"
	CeilingPerUser = "per_user_daily"
)

// Config holds the limits and per-operation fee estimates. A zero limit
// leaves that ceiling unset.
type Config struct {
	Limits       domain.Limits
	FeeEstimates map[string]uint64
	DefaultFee   uint64
}

// Status is the current window and configured limits.
type Status struct {
	Window domain.Window `json:"window"`
	Limits domain.Limits `json:"limits"`
}

// Guard decides whether an operation may be sponsored and records spend once
// a sponsored transaction confirms.
type Guard struct {
	store     Store
	limits    domain.Limits
	estimates map[string]uint64
	fallback  uint64
	log       *logger.Logger
	now       func() time.Time
}

// NewGuard creates a guard over store.
func NewGuard(store Store, cfg Config, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.NewDefault("sponsor")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	estimates := make(map[string]uint64, len(cfg.FeeEstimates))
	for kind, fee := range cfg.FeeEstimates {
		estimates[strings.ToLower(kind)] = fee
	}
	return &Guard{
		store:     store,
		limits:    cfg.Limits,
		estimates: estimates,
		fallback:  cfg.DefaultFee,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EstimateFee returns the configured fee estimate for an operation kind.
func (g *Guard) EstimateFee(kind string) uint64 {
	if fee, ok := g.estimates[strings.ToLower(kind)]; ok {
		return fee
	}
	return g.fallback
}

// CanSponsor reports whether an operation of kind for userID fits in every
// ceiling using the configured fee estimate.
func (g *Guard) CanSponsor(ctx context.Context, userID, kind string) (bool, error) {
	err := g.Check(ctx, userID, g.EstimateFee(kind))
	if err == nil {
		return true, nil
	}
	if errors.HasCode(err, errors.CodeBudgetExceeded) {
		return false, nil
	}
	return false, err
}

// Check returns BUDGET_EXCEEDED naming the first ceiling fee would cross.
func (g *Guard) Check(ctx context.Context, userID string, fee uint64) error {
	if strings.TrimSpace(userID) == "" {
		return errors.InvalidArgument("user id is required")
	}
	now := g.now()
	usage, err := g.store.Usage(ctx, domain.DayBucket(now), userID, now)
	if err != nil {
		return errors.Translate(err, "load sponsor usage")
	}

	err = g.evaluate(usage, fee)
	metrics.RecordSponsorDecision(err == nil)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"user_id": userID,
			"fee":     fee,
		}).WithError(err).Info("sponsorship denied")
	}
	return err
}

func (g *Guard) evaluate(usage domain.Usage, fee uint64) error {
	if g.limits.DailyBudget > 0 && usage.DailySpent+fee > g.limits.DailyBudget {
		return errors.BudgetExceeded(CeilingDaily, g.limits.DailyBudget, usage.DailySpent+fee)
	}
	if g.limits.TotalBudget > 0 && usage.TotalSponsored+fee > g.limits.TotalBudget {
		return errors.BudgetExceeded(CeilingTotal, g.limits.TotalBudget, usage.TotalSponsored+fee)
	}
	if g.limits.PerUserDailyLimit > 0 && usage.UserCount >= g.limits.PerUserDailyLimit {
		return errors.BudgetExceeded(CeilingPerUser, g.limits.PerUserDailyLimit, usage.UserCount+1)
	}
	return nil
}

// RecordSponsorship charges an actual fee to the budget. It is called once
// the sponsored transaction confirms and is idempotent on reference.
func (g *Guard) RecordSponsorship(ctx context.Context, userID, reference string, fee uint64) (domain.Usage, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(reference) == "" {
		return domain.Usage{}, errors.InvalidArgument("user id and reference are required")
	}
	now := g.now()
	usage, recorded, err := g.store.Record(ctx, domain.DayBucket(now), userID, reference, fee, now)
	if err != nil {
		return domain.Usage{}, errors.Translate(err, "record sponsorship")
	}
	if recorded {
		metrics.RecordSponsorSpend(fee)
		g.log.WithFields(logrus.Fields{
			"user_id":     userID,
			"reference":   reference,
			"fee":         fee,
			"daily_spent": usage.DailySpent,
		}).Info("sponsorship recorded")
	}
	return usage, nil
}

// Status returns the current window and limits.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	now := g.now()
	usage, err := g.store.Usage(ctx, domain.DayBucket(now), "", now)
	if err != nil {
		return Status{}, errors.Translate(err, "load sponsor usage")
	}
	return Status{Window: usage.Window, Limits: g.limits}, nil
}
