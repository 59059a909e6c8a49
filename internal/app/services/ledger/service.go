// Package ledger implements the balance ledger and hold manager. Every
// mutation appends exactly one entry per touched balance and saves the cached
// balance row inside the same storage transaction.
package ledger

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// PostingRequest describes one credit or debit.
type PostingRequest struct {
	AccountID   string      `json:"account_id"`
	Asset       string      `json:"asset"`
	Amount      uint64      `json:"amount"`
	Kind        domain.Kind `json:"kind,omitempty"`
	ReferenceID string      `json:"reference_id"`
}

// Posting is the result of a credit or debit. Duplicate is set when the
// reference had already been applied and the prior entry is returned.
type Posting struct {
	Entry     domain.Entry   `json:"entry"`
	Balance   domain.Balance `json:"balance"`
	Duplicate bool           `json:"duplicate"`
}

// Service owns balances, entries and holds.
type Service struct {
	store storage.Store
	log   *logger.Logger
	now   func() time.Time
}

// New creates a ledger service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Unit is a set of ledger operations that commit or roll back together.
type Unit struct {
	svc       *Service
	tx        storage.Tx
	committed []func()
}

// Tx exposes the underlying storage transaction so callers can persist their
// own records in the same unit.
func (u *Unit) Tx() storage.Tx { return u.tx }

// OnCommit registers fn to run after the unit commits.
func (u *Unit) OnCommit(fn func()) { u.committed = append(u.committed, fn) }

// Atomic runs fn in one storage transaction. Errors are translated into the
// service error taxonomy. Units must not be nested.
func (s *Service) Atomic(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	var unit *Unit
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		unit = &Unit{svc: s, tx: tx}
		return fn(ctx, unit)
	})
	if err != nil {
		return errors.Translate(err, "ledger unit failed")
	}
	for _, fn := range unit.committed {
		fn()
	}
	return nil
}

// Credit adds amount to the available balance.
func (s *Service) Credit(ctx context.Context, req PostingRequest) (Posting, error) {
	var posting Posting
	err := s.Atomic(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		posting, err = u.Credit(ctx, req)
		return err
	})
	return posting, err
}

// Debit removes amount from the available balance.
func (s *Service) Debit(ctx context.Context, req PostingRequest) (Posting, error) {
	var posting Posting
	err := s.Atomic(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		posting, err = u.Debit(ctx, req)
		return err
	})
	return posting, err
}

// Balance returns the cached balance row.
func (s *Service) Balance(ctx context.Context, accountID, asset string) (domain.Balance, error) {
	if err := requireKey(accountID, asset); err != nil {
		return domain.Balance{}, err
	}
	bal, err := s.store.GetBalance(ctx, accountID, strings.ToUpper(asset))
	return bal, errors.Translate(err, "load balance")
}

// Available returns the spendable amount.
func (s *Service) Available(ctx context.Context, accountID, asset string) (uint64, error) {
	bal, err := s.Balance(ctx, accountID, asset)
	return bal.Available, err
}

// Held returns the amount reserved by active holds.
func (s *Service) Held(ctx context.Context, accountID, asset string) (uint64, error) {
	bal, err := s.Balance(ctx, accountID, asset)
	return bal.Held, err
}

// Balances lists every asset balance of an account.
func (s *Service) Balances(ctx context.Context, accountID string) ([]domain.Balance, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.InvalidArgument("account id is required")
	}
	result, err := s.store.ListBalances(ctx, accountID)
	return result, errors.Translate(err, "list balances")
}

// Entries returns up to limit of the most recent entries, oldest first. A
// non-positive limit returns the full history.
func (s *Service) Entries(ctx context.Context, accountID, asset string, limit int) ([]domain.Entry, error) {
	if err := requireKey(accountID, asset); err != nil {
		return nil, err
	}
	result, err := s.store.ListEntries(ctx, accountID, strings.ToUpper(asset), limit)
	return result, errors.Translate(err, "list entries")
}

// Replay folds the full entry history into a balance.
func (s *Service) Replay(ctx context.Context, accountID, asset string) (domain.Balance, error) {
	entries, err := s.Entries(ctx, accountID, asset, 0)
	if err != nil {
		return domain.Balance{}, err
	}
	bal, ok := domain.Fold(accountID, strings.ToUpper(asset), entries)
	if !ok {
		return domain.Balance{}, errors.Internal("entry history does not fold into a valid balance", nil).
			WithDetails("account_id", accountID).
			WithDetails("asset", asset)
	}
	return bal, nil
}

// Verify checks that the cached balance equals the replayed history.
func (s *Service) Verify(ctx context.Context, accountID, asset string) error {
	replayed, err := s.Replay(ctx, accountID, asset)
	if err != nil {
		return err
	}
	cached, err := s.Balance(ctx, accountID, asset)
	if err != nil {
		return err
	}
	if replayed.Available != cached.Available || replayed.Held != cached.Held {
		return errors.Internal("cached balance diverges from entry history", nil).
			WithDetails("account_id", accountID).
			WithDetails("asset", cached.Asset).
			WithDetails("cached_available", cached.Available).
			WithDetails("cached_held", cached.Held).
			WithDetails("replayed_available", replayed.Available).
			WithDetails("replayed_held", replayed.Held)
	}
	return nil
}

// Credit adds amount to the available balance. Kind defaults to DEPOSIT.
func (u *Unit) Credit(ctx context.Context, req PostingRequest) (Posting, error) {
	if req.Kind == "" {
		req.Kind = domain.KindDeposit
	}
	if req.Kind != domain.KindDeposit && req.Kind != domain.KindTransferIn {
		return Posting{}, errors.InvalidArgument("kind %s cannot be credited", req.Kind)
	}
	if err := validatePosting(&req); err != nil {
		return Posting{}, err
	}
	return u.post(ctx, req.AccountID, req.Asset, req.Kind, req.ReferenceID, int64(req.Amount), 0)
}

// Debit removes amount from the available balance. Kind defaults to WITHDRAW.
func (u *Unit) Debit(ctx context.Context, req PostingRequest) (Posting, error) {
	if req.Kind == "" {
		req.Kind = domain.KindWithdraw
	}
	if req.Kind != domain.KindWithdraw && req.Kind != domain.KindTransferOut {
		return Posting{}, errors.InvalidArgument("kind %s cannot be debited", req.Kind)
	}
	if err := validatePosting(&req); err != nil {
		return Posting{}, err
	}
	return u.post(ctx, req.AccountID, req.Asset, req.Kind, req.ReferenceID, -int64(req.Amount), 0)
}

// post applies one entry. delta changes available+held; heldDelta changes
// held. The (account, asset, kind, reference) key makes it idempotent.
func (u *Unit) post(ctx context.Context, accountID, asset string, kind domain.Kind, ref string, delta, heldDelta int64) (Posting, error) {
	bal, err := u.tx.LockBalance(ctx, accountID, asset)
	if err != nil {
		return Posting{}, err
	}

	prior, err := u.tx.GetEntryByReference(ctx, accountID, asset, kind, ref)
	switch {
	case err == nil:
		if prior.Delta != delta || prior.HeldDelta != heldDelta {
			return Posting{}, errors.DuplicateOperation(string(kind) + ":" + ref)
		}
		u.OnCommit(func() { metrics.RecordPosting(string(kind), true) })
		return Posting{Entry: prior, Balance: bal, Duplicate: true}, nil
	case !storage.IsNotFound(err):
		return Posting{}, err
	}

	availableDelta := delta - heldDelta
	available, ok := apply(bal.Available, availableDelta)
	if !ok {
		if availableDelta < 0 {
			return Posting{}, errors.InsufficientFunds(bal.Available, uint64(-availableDelta))
		}
		return Posting{}, errors.InvalidArgument("balance overflow for %s/%s", accountID, asset)
	}
	held, ok := apply(bal.Held, heldDelta)
	if !ok {
		return Posting{}, errors.Internal("held balance would become invalid", nil).
			WithDetails("held", bal.Held).
			WithDetails("held_delta", heldDelta)
	}

	entry := domain.Entry{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Asset:          asset,
		Kind:           kind,
		Delta:          delta,
		HeldDelta:      heldDelta,
		ReferenceID:    ref,
		AvailableAfter: available,
		HeldAfter:      held,
		CreatedAt:      u.svc.now(),
	}
	entry, inserted, err := u.tx.InsertEntry(ctx, entry)
	if err != nil {
		return Posting{}, err
	}
	if !inserted {
		u.OnCommit(func() { metrics.RecordPosting(string(kind), true) })
		return Posting{Entry: entry, Balance: bal, Duplicate: true}, nil
	}

	bal.Available = available
	bal.Held = held
	bal, err = u.tx.SaveBalance(ctx, bal)
	if err != nil {
		return Posting{}, err
	}

	u.OnCommit(func() {
		metrics.RecordPosting(string(kind), false)
		u.svc.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"asset":      asset,
			"kind":       kind,
			"reference":  ref,
			"delta":      delta,
			"held_delta": heldDelta,
		}).Debug("ledger entry posted")
	})
	return Posting{Entry: entry, Balance: bal}, nil
}

// apply adds a signed delta to an unsigned amount, reporting underflow or
// overflow past the int64 range every stored amount is kept within.
func apply(current uint64, delta int64) (uint64, bool) {
	if delta < 0 {
		d := uint64(-delta)
		if d > current {
			return 0, false
		}
		return current - d, true
	}
	d := uint64(delta)
	if current > math.MaxInt64-d {
		return 0, false
	}
	return current + d, true
}

func requireKey(accountID, asset string) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.InvalidArgument("account id is required")
	}
	if strings.TrimSpace(asset) == "" {
		return errors.InvalidArgument("asset is required")
	}
	return nil
}

func validateAmount(amount uint64) error {
	if amount == 0 {
		return errors.InvalidArgument("amount must be positive")
	}
	if amount > math.MaxInt64 {
		return errors.InvalidArgument("amount %d exceeds the supported range", amount)
	}
	return nil
}

func validatePosting(req *PostingRequest) error {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	if err := requireKey(req.AccountID, req.Asset); err != nil {
		return err
	}
	if req.ReferenceID == "" {
		return errors.InvalidArgument("reference id is required")
	}
	return validateAmount(req.Amount)
}
