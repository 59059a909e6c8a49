// Package indexer reconciles external ledger activity on custodial addresses
// with internal records exactly once. It is an explicit service object owned
// by the composition root; several isolated instances may coexist.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	ledgerdomain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/app/system"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/internal/resilience"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

var _ system.Service = (*Indexer)(nil)

// WithdrawalHandler advances withdrawals when their transaction settles.
type WithdrawalHandler interface {
	HandleConfirmed(ctx context.Context, signature string, fee uint64) (withdrawal.Withdrawal, error)
	HandleFailed(ctx context.Context, signature string, fee uint64, reason string) (withdrawal.Withdrawal, error)
}

// Config tunes the polling loop.
type Config struct {
	// Name keys the durable checkpoint.
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	CycleTimeout time.Duration `json:"cycle_timeout"`
	// StartHeight is the first position scanned when no checkpoint exists.
	// Zero starts at the current head.
	StartHeight uint64 `json:"start_height"`
	// Backoff spaces out cycles after consecutive failures.
	Backoff resilience.Policy `json:"-"`
	// Addresses are watched in addition to every account deposit address.
	Addresses []string `json:"addresses,omitempty"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Name:         "neo",
		Interval:     5 * time.Second,
		CycleTimeout: 30 * time.Second,
		Backoff: resilience.Policy{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			Jitter:         0.1,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.Backoff.InitialBackoff <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Status is the operational view of the indexer.
type Status struct {
	Running             bool          `json:"running"`
	Checkpoint          uint64        `json:"checkpoint"`
	Head                uint64        `json:"head"`
	Cycles              uint64        `json:"cycles"`
	LastProcessed       int           `json:"last_processed"`
	TotalProcessed      uint64        `json:"total_processed"`
	Errors              uint64        `json:"errors"`
	Conflicts           uint64        `json:"conflicts"`
	Rejected            uint64        `json:"rejected"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastCycleAt         *time.Time    `json:"last_cycle_at,omitempty"`
	LastCycleDuration   time.Duration `json:"last_cycle_duration"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
	WatchedAddresses    int           `json:"watched_addresses"`
}

// CycleResult summarizes one reconciliation pass.
type CycleResult struct {
	Processed  int    `json:"processed"`
	Conflicts  int    `json:"conflicts"`
	Rejected   int    `json:"rejected"`
	Checkpoint uint64 `json:"checkpoint"`
	Head       uint64 `json:"head"`
}

// Indexer polls the external ledger and reconciles activity.
type Indexer struct {
	store       storage.Store
	ledger      *ledger.Service
	client      chaintx.LedgerClient
	withdrawals WithdrawalHandler
	log         *logger.Logger
	now         func() time.Time

	mu      sync.Mutex
	cfg     Config
	watched map[string]struct{}
	status  Status
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// cycleMu keeps ForceProcess and the loop from overlapping.
	cycleMu sync.Mutex
}

// New creates a stopped indexer.
func New(store storage.Store, ledgerSvc *ledger.Service, client chaintx.LedgerClient, withdrawals WithdrawalHandler, cfg Config, log *logger.Logger) *Indexer {
	if log == nil {
		log = logger.NewDefault("indexer")
	}
	ix := &Indexer{
		store:       store,
		ledger:      ledgerSvc,
		client:      client,
		withdrawals: withdrawals,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		watched:     make(map[string]struct{}),
	}
	ix.cfg = cfg.withDefaults()
	ix.Watch(ix.cfg.Addresses...)
	return ix
}

func (ix *Indexer) Name() string { return "indexer" }

// Configure replaces the configuration. The indexer must be stopped.
func (ix *Indexer) Configure(cfg Config) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return errors.InvalidArgument("indexer must be stopped before it is reconfigured")
	}
	ix.cfg = cfg.withDefaults()
	for _, addr := range ix.cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			ix.watched[addr] = struct{}{}
		}
	}
	return nil
}

// Watch adds addresses to the watch set. It is safe while running.
func (ix *Indexer) Watch(addresses ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, addr := range addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			ix.watched[addr] = struct{}{}
		}
	}
}

// Start loads the account deposit addresses and begins polling.
func (ix *Indexer) Start(ctx context.Context) error {
	addresses, err := ix.store.ListDepositAddresses(ctx)
	if err != nil {
		return errors.Translate(err, "load deposit addresses")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return nil
	}
	for _, addr := range addresses {
		ix.watched[addr] = struct{}{}
	}
	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.running = true
	ix.status.Running = true
	interval := ix.cfg.Interval

	ix.wg.Add(1)
	go ix.loop(runCtx)

	ix.log.WithFields(logrus.Fields{
		"interval": interval,
		"watched":  len(ix.watched),
	}).Info("indexer started")
	return nil
}

// Stop halts polling and waits for an in-flight cycle to finish.
func (ix *Indexer) Stop(ctx context.Context) error {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return nil
	}
	cancel := ix.cancel
	ix.running = false
	ix.status.Running = false
	ix.status.NextRetryAt = nil
	ix.cancel = nil
	ix.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ix.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ix.log.Info("indexer stopped")
	return nil
}

// Status returns a snapshot of the indexer state.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st := ix.status
	st.WatchedAddresses = len(ix.watched)
	return st
}

// ForceProcess runs one cycle immediately, whether or not the loop runs.
func (ix *Indexer) ForceProcess(ctx context.Context) (CycleResult, error) {
	return ix.cycle(ctx)
}

func (ix *Indexer) loop(ctx context.Context) {
	defer ix.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_, _ = ix.cycle(ctx)
		timer.Reset(ix.nextDelay())
	}
}

// nextDelay is the interval, or the backoff delay while cycles fail.
func (ix *Indexer) nextDelay() time.Duration {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.status.ConsecutiveFailures == 0 {
		ix.status.NextRetryAt = nil
		return ix.cfg.Interval
	}
	delay := ix.cfg.Backoff.Backoff(ix.status.ConsecutiveFailures)
	if delay < ix.cfg.Interval {
		delay = ix.cfg.Interval
	}
	next := ix.now().Add(delay)
	ix.status.NextRetryAt = &next
	return delay
}

func (ix *Indexer) snapshot() (Config, []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	addresses := make([]string, 0, len(ix.watched))
	for addr := range ix.watched {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)
	return ix.cfg, addresses
}

func (ix *Indexer) cycle(ctx context.Context) (CycleResult, error) {
	ix.cycleMu.Lock()
	defer ix.cycleMu.Unlock()

	cfg, addresses := ix.snapshot()
	ctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	start := ix.now()
	result, err := ix.reconcile(ctx, cfg, addresses)
	ix.finishCycle(start, result, err)
	return result, err
}

func (ix *Indexer) reconcile(ctx context.Context, cfg Config, addresses []string) (CycleResult, error) {
	checkpoint, err := ix.checkpoint(ctx, cfg)
	if err != nil {
		return CycleResult{}, err
	}
	result := CycleResult{Checkpoint: checkpoint}

	batch, err := ix.client.GetActivitySince(ctx, checkpoint, addresses)
	if err != nil {
		return result, errors.Internal("fetch external activity", err)
	}
	result.Head = batch.Head

	for _, act := range merge(batch.Activities) {
		conflict, err := ix.apply(ctx, act)
		if permanent(err) {
			if err := ix.reject(ctx, act, err); err != nil {
				return result, err
			}
			result.Rejected++
			result.Processed++
			continue
		}
		if err != nil {
			return result, err
		}
		if conflict {
			result.Conflicts++
		}
		result.Processed++
	}

	// The checkpoint only moves once every activity of the batch is durable.
	if batch.Checkpoint > checkpoint {
		err := ix.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
			return u.Tx().SaveCheckpoint(ctx, chaintx.Checkpoint{Name: cfg.Name, Position: batch.Checkpoint, UpdatedAt: ix.now()})
		})
		if err != nil {
			return result, err
		}
		result.Checkpoint = batch.Checkpoint
	}
	return result, nil
}

// checkpoint returns the last fully processed position, seeding it from
// StartHeight or the current head on first run.
func (ix *Indexer) checkpoint(ctx context.Context, cfg Config) (uint64, error) {
	cp, err := ix.store.GetCheckpoint(ctx, cfg.Name)
	if err == nil {
		return cp.Position, nil
	}
	if !storage.IsNotFound(err) {
		return 0, errors.Translate(err, "load checkpoint")
	}
	if cfg.StartHeight > 0 {
		return cfg.StartHeight - 1, nil
	}
	head, err := ix.client.Head(ctx)
	if err != nil {
		return 0, errors.Internal("read external head", err)
	}
	return head, nil
}

func (ix *Indexer) finishCycle(start time.Time, result CycleResult, err error) {
	duration := ix.now().Sub(start)
	metrics.RecordIndexerCycle(duration, result.Processed, result.Checkpoint, err)

	ix.mu.Lock()
	st := &ix.status
	st.Cycles++
	st.LastCycleAt = &start
	st.LastCycleDuration = duration
	st.LastProcessed = result.Processed
	st.TotalProcessed += uint64(result.Processed)
	st.Conflicts += uint64(result.Conflicts)
	st.Rejected += uint64(result.Rejected)
	if result.Checkpoint > st.Checkpoint {
		st.Checkpoint = result.Checkpoint
	}
	if result.Head > 0 {
		st.Head = result.Head
	}
	if err != nil {
		st.Errors++
		st.ConsecutiveFailures++
		st.LastError = err.Error()
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
	}
	failures := st.ConsecutiveFailures
	ix.mu.Unlock()

	entry := ix.log.WithFields(logrus.Fields{
		"processed":  result.Processed,
		"checkpoint": result.Checkpoint,
		"head":       result.Head,
		"duration":   duration,
	})
	switch {
	case err != nil:
		entry.WithError(err).WithField("consecutive_failures", failures).Warn("indexer cycle failed")
	case result.Processed > 0:
		entry.Info("indexer cycle")
	default:
		entry.Debug("indexer cycle")
	}
}

// permanent reports an apply failure that re-processing the same activity
// would repeat forever.
func permanent(err error) bool {
	return errors.HasCode(err, errors.CodeInvalidArgument) || errors.HasCode(err, errors.CodeDuplicateOperation)
}

// reject records act as REJECTED without touching balances so the
// checkpoint can move past it.
func (ix *Indexer) reject(ctx context.Context, act chaintx.Activity, cause error) error {
	accountID, err := ix.accountFor(ctx, act.Address)
	if err != nil {
		return err
	}
	rec := ix.record(act, accountID, chaintx.PurposeRejected)
	err = ix.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		_, _, err := u.Tx().UpsertChainTx(ctx, rec)
		return err
	})
	if err != nil {
		return err
	}
	metrics.RecordIndexerRejected(string(act.Direction))
	ix.log.WithError(cause).WithFields(logrus.Fields{
		"signature":  act.Signature,
		"direction":  act.Direction,
		"address":    act.Address,
		"account_id": accountID,
		"asset":      act.Asset,
		"amount":     act.Amount,
		"height":     act.Height,
	}).Error("external activity rejected; recorded for manual review")
	return nil
}

// merge folds activities sharing (signature, direction, address, asset) into
// one, preserving first-seen order.
func merge(activities []chaintx.Activity) []chaintx.Activity {
	type key struct {
		sig, addr, asset string
		dir              chaintx.Direction
	}
	index := make(map[key]int, len(activities))
	out := make([]chaintx.Activity, 0, len(activities))
	for _, act := range activities {
		k := key{act.Signature, act.Address, act.Asset, act.Direction}
		if i, ok := index[k]; ok {
			out[i].Amount += act.Amount
			continue
		}
		index[k] = len(out)
		out = append(out, act)
	}
	return out
}

// apply reconciles one activity. conflict reports an observation that
// referenced an internal record already in a terminal state.
func (ix *Indexer) apply(ctx context.Context, act chaintx.Activity) (bool, error) {
	accountID, err := ix.accountFor(ctx, act.Address)
	if err != nil {
		return false, err
	}
	switch act.Direction {
	case chaintx.DirectionIn:
		return false, ix.applyIncoming(ctx, act, accountID)
	case chaintx.DirectionOut:
		return ix.applyOutgoing(ctx, act, accountID)
	default:
		return false, errors.Internal(fmt.Sprintf("unknown direction %q", act.Direction), nil)
	}
}

func (ix *Indexer) accountFor(ctx context.Context, address string) (string, error) {
	acct, err := ix.store.GetAccountByAddress(ctx, address)
	if storage.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Translate(err, "resolve address")
	}
	return acct.ID, nil
}

func (ix *Indexer) record(act chaintx.Activity, accountID string, purpose chaintx.Purpose) chaintx.Record {
	now := ix.now()
	rec := chaintx.Record{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Signature: act.Signature,
		Direction: act.Direction,
		Address:   act.Address,
		Asset:     act.Asset,
		Amount:    act.Amount,
		Purpose:   purpose,
		Height:    act.Height,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch act.Outcome {
	case chaintx.OutcomeConfirmed:
		rec.Status = chaintx.StatusConfirmed
		rec.ConfirmedAt = &now
	case chaintx.OutcomeFailed:
		rec.Status = chaintx.StatusFailed
	default:
		rec.Status = chaintx.StatusSubmitted
	}
	return rec
}

// applyIncoming upserts the IN record and credits the owning account with
// the signature as reference. Both steps are idempotent, so re-observing the
// signature after a restart changes nothing.
func (ix *Indexer) applyIncoming(ctx context.Context, act chaintx.Activity, accountID string) error {
	purpose := chaintx.PurposeDeposit
	if accountID == "" {
		purpose = chaintx.PurposeUnattributed
	}
	rec := ix.record(act, accountID, purpose)

	return ix.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		stored, inserted, err := u.Tx().UpsertChainTx(ctx, rec)
		if err != nil {
			return err
		}
		if accountID == "" || act.Outcome != chaintx.OutcomeConfirmed || act.Amount == 0 {
			return nil
		}
		posting, err := u.Credit(ctx, ledger.PostingRequest{
			AccountID:   accountID,
			Asset:       act.Asset,
			Amount:      act.Amount,
			Kind:        ledgerdomain.KindDeposit,
			ReferenceID: act.Signature,
		})
		if err != nil {
			return err
		}
		if stored.EntryID == "" && stored.Asset == act.Asset {
			stored.EntryID = posting.Entry.ID
			stored.UpdatedAt = ix.now()
			if err := u.Tx().SaveChainTx(ctx, stored); err != nil {
				return err
			}
		}
		if inserted && !posting.Duplicate {
			u.OnCommit(func() {
				ix.log.WithFields(logrus.Fields{
					"signature":  act.Signature,
					"account_id": accountID,
					"asset":      act.Asset,
					"amount":     act.Amount,
					"height":     act.Height,
				}).Info("deposit credited")
			})
		}
		return nil
	})
}

// applyOutgoing settles the withdrawal carrying the signature, then records
// the OUT transfer. Outbound value no withdrawal accounts for is recorded as
// UNATTRIBUTED.
func (ix *Indexer) applyOutgoing(ctx context.Context, act chaintx.Activity, accountID string) (bool, error) {
	purpose := chaintx.PurposeWithdrawal
	conflict := false

	var err error
	switch act.Outcome {
	case chaintx.OutcomeConfirmed:
		_, err = ix.withdrawals.HandleConfirmed(ctx, act.Signature, act.Fee)
	case chaintx.OutcomeFailed:
		_, err = ix.withdrawals.HandleFailed(ctx, act.Signature, act.Fee, act.Reason)
	}
	entry := ix.log.WithFields(logrus.Fields{
		"signature": act.Signature,
		"address":   act.Address,
		"outcome":   act.Outcome,
	})
	switch {
	case err == nil:
	case errors.HasCode(err, errors.CodeNotFound):
		purpose = chaintx.PurposeUnattributed
		entry.WithFields(logrus.Fields{"asset": act.Asset, "amount": act.Amount}).
			Warn("outbound transfer from custodial address matches no withdrawal")
	case errors.HasCode(err, errors.CodeReconciliationConflict):
		conflict = true
		entry.WithError(err).Warn("reconciliation conflict ignored")
	default:
		return false, err
	}

	rec := ix.record(act, accountID, purpose)
	err = ix.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		_, _, err := u.Tx().UpsertChainTx(ctx, rec)
		return err
	})
	return conflict, err
}
