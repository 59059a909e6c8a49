package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/errors"
)

// holdNamespace scopes deterministic hold IDs derived from natural keys.
var holdNamespace = uuid.MustParse("4f0c6f7e-3a57-4d0e-9a39-7b0f0f3f6c21")

// HoldRequest reserves funds for a purpose owner.
type HoldRequest struct {
	AccountID   string             `json:"account_id"`
	Asset       string             `json:"asset"`
	Amount      uint64             `json:"amount"`
	Purpose     domain.HoldPurpose `json:"purpose"`
	ReferenceID string             `json:"reference_id"`
}

// HoldReceipt is the result of a hold resolution. Duplicate is set when the
// same operation had already been applied.
type HoldReceipt struct {
	Hold      domain.Hold          `json:"hold"`
	Operation domain.HoldOperation `json:"operation"`
	Duplicate bool                 `json:"duplicate"`
}

// HoldTransfer moves held funds to another account.
type HoldTransfer struct {
	HoldID      string `json:"hold_id"`
	ToAccountID string `json:"to_account_id"`
	// Amount of zero transfers the full outstanding amount.
	Amount    uint64 `json:"amount,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type releaseOptions struct {
	amount    uint64
	reference string
}

// ReleaseOption tunes ReleaseHold.
type ReleaseOption func(*releaseOptions)

// WithAmount releases only amount and leaves the remainder active.
func WithAmount(amount uint64) ReleaseOption {
	return func(o *releaseOptions) { o.amount = amount }
}

// WithReference names a partial release so retries of it are idempotent.
func WithReference(reference string) ReleaseOption {
	return func(o *releaseOptions) { o.reference = strings.TrimSpace(reference) }
}

// HoldID derives the hold identifier for a natural key.
func HoldID(accountID, asset string, purpose domain.HoldPurpose, referenceID string) string {
	key := strings.Join([]string{accountID, strings.ToUpper(asset), string(purpose), referenceID}, "\x00")
	return uuid.NewSHA1(holdNamespace, []byte(key)).String()
}

// CreateHold moves amount from available to held.
func (s *Service) CreateHold(ctx context.Context, req HoldRequest) (domain.Hold, error) {
	var hold domain.Hold
	err := s.Atomic(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		hold, err = u.CreateHold(ctx, req)
		return err
	})
	return hold, err
}

// ReleaseHold returns held funds to available. Without options the full
// outstanding amount is released and the hold becomes RELEASED.
func (s *Service) ReleaseHold(ctx context.Context, holdID string, opts ...ReleaseOption) (HoldReceipt, error) {
	return s.resolve(ctx, func(ctx context.Context, u *Unit) (HoldReceipt, error) {
		return u.ReleaseHold(ctx, holdID, opts...)
	})
}

// ConsumeHold turns the outstanding held amount into a confirmed debit.
func (s *Service) ConsumeHold(ctx context.Context, holdID string) (HoldReceipt, error) {
	return s.resolve(ctx, func(ctx context.Context, u *Unit) (HoldReceipt, error) {
		return u.ConsumeHold(ctx, holdID)
	})
}

// CancelHold releases the outstanding amount and closes the hold as CANCELLED.
func (s *Service) CancelHold(ctx context.Context, holdID string) (HoldReceipt, error) {
	return s.resolve(ctx, func(ctx context.Context, u *Unit) (HoldReceipt, error) {
		return u.CancelHold(ctx, holdID)
	})
}

// TransferFromHold debits the hold owner and credits another account in one
// unit.
func (s *Service) TransferFromHold(ctx context.Context, req HoldTransfer) (HoldReceipt, error) {
	return s.resolve(ctx, func(ctx context.Context, u *Unit) (HoldReceipt, error) {
		return u.TransferFromHold(ctx, req)
	})
}

// GetHold loads a hold.
func (s *Service) GetHold(ctx context.Context, holdID string) (domain.Hold, error) {
	hold, err := s.store.GetHold(ctx, holdID)
	if storage.IsNotFound(err) {
		return domain.Hold{}, errors.NotFound("hold", holdID)
	}
	return hold, errors.Translate(err, "load hold")
}

// ListHolds lists an account's holds, optionally filtered by asset and status.
func (s *Service) ListHolds(ctx context.Context, accountID, asset string, status domain.HoldStatus) ([]domain.Hold, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.InvalidArgument("account id is required")
	}
	result, err := s.store.ListHolds(ctx, accountID, strings.ToUpper(strings.TrimSpace(asset)), status)
	return result, errors.Translate(err, "list holds")
}

func (s *Service) resolve(ctx context.Context, fn func(ctx context.Context, u *Unit) (HoldReceipt, error)) (HoldReceipt, error) {
	var receipt HoldReceipt
	err := s.Atomic(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		receipt, err = fn(ctx, u)
		return err
	})
	return receipt, err
}

// CreateHold moves amount from available to held, failing with
// INSUFFICIENT_FUNDS when available is short. Repeating a request with the
// same natural key returns the existing hold.
func (u *Unit) CreateHold(ctx context.Context, req HoldRequest) (domain.Hold, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	if err := requireKey(req.AccountID, req.Asset); err != nil {
		return domain.Hold{}, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return domain.Hold{}, err
	}
	if !req.Purpose.Valid() {
		return domain.Hold{}, errors.InvalidArgument("unknown hold purpose %q", req.Purpose)
	}
	if req.ReferenceID == "" {
		req.ReferenceID = uuid.NewString()
	}

	id := HoldID(req.AccountID, req.Asset, req.Purpose, req.ReferenceID)
	existing, err := u.tx.GetHold(ctx, id)
	switch {
	case err == nil:
		if existing.OriginalAmount != req.Amount {
			return domain.Hold{}, errors.DuplicateOperation("hold:" + req.ReferenceID)
		}
		u.OnCommit(func() { metrics.RecordHoldOperation("CREATE", true) })
		return existing, nil
	case !storage.IsNotFound(err):
		return domain.Hold{}, err
	}

	posting, err := u.post(ctx, req.AccountID, req.Asset, domain.KindHold, id, 0, int64(req.Amount))
	if err != nil {
		return domain.Hold{}, err
	}

	now := u.svc.now()
	hold, inserted, err := u.tx.InsertHold(ctx, domain.Hold{
		ID:             id,
		AccountID:      req.AccountID,
		Asset:          req.Asset,
		Amount:         req.Amount,
		OriginalAmount: req.Amount,
		Purpose:        req.Purpose,
		ReferenceID:    req.ReferenceID,
		Status:         domain.HoldActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Hold{}, err
	}
	if !inserted {
		// A concurrent request with the same key committed first.
		if !posting.Duplicate {
			return domain.Hold{}, errors.Internal("hold row already present for a new hold entry", nil).
				WithDetails("hold_id", id)
		}
		return hold, nil
	}

	u.OnCommit(func() {
		metrics.RecordHoldOperation("CREATE", false)
		u.svc.log.WithFields(logrus.Fields{
			"hold_id":    hold.ID,
			"account_id": hold.AccountID,
			"asset":      hold.Asset,
			"amount":     hold.Amount,
			"purpose":    hold.Purpose,
		}).Info("hold created")
	})
	return hold, nil
}

// ReleaseHold returns held funds to available. A partial release must carry
// a reference; the (hold, RELEASE, reference) key makes each release
// idempotent.
func (u *Unit) ReleaseHold(ctx context.Context, holdID string, opts ...ReleaseOption) (HoldReceipt, error) {
	var o releaseOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.amount > 0 && o.reference == "" {
		return HoldReceipt{}, errors.InvalidArgument("partial release of hold %s requires a reference", holdID)
	}

	hold, prior, found, err := u.lockForOperation(ctx, holdID, domain.OpRelease, o.reference)
	if err != nil || found {
		if found && o.amount > 0 && prior.Amount != o.amount {
			return HoldReceipt{}, errors.DuplicateOperation("release:" + holdID + ":" + o.reference)
		}
		return HoldReceipt{Hold: hold, Operation: prior, Duplicate: found}, err
	}
	if hold.Status == domain.HoldReleased && o.reference == "" {
		// Partial releases already returned everything.
		return HoldReceipt{Hold: hold, Duplicate: true}, nil
	}
	if err := requireActive(hold); err != nil {
		return HoldReceipt{}, err
	}

	amount := o.amount
	if amount == 0 {
		amount = hold.Amount
	}
	if amount > hold.Amount {
		return HoldReceipt{}, errors.InvalidArgument("release of %d exceeds outstanding hold amount %d", amount, hold.Amount)
	}

	ref := holdID
	if o.reference != "" {
		ref = holdID + ":release:" + o.reference
	}
	if _, err := u.post(ctx, hold.AccountID, hold.Asset, domain.KindRelease, ref, 0, -int64(amount)); err != nil {
		return HoldReceipt{}, err
	}

	hold.Amount -= amount
	hold.ReleasedAmount += amount
	if hold.Amount == 0 {
		hold.Status = domain.HoldReleased
	}
	return u.finish(ctx, hold, domain.OpRelease, o.reference, amount, "")
}

// ConsumeHold converts the outstanding held amount into a debit. Withdrawal
// and sponsor holds post WITHDRAW, escrow holds post TRANSFER_OUT.
func (u *Unit) ConsumeHold(ctx context.Context, holdID string) (HoldReceipt, error) {
	hold, prior, found, err := u.lockForOperation(ctx, holdID, domain.OpConsume, "")
	if err != nil || found {
		return HoldReceipt{Hold: hold, Operation: prior, Duplicate: found}, err
	}
	if err := requireActive(hold); err != nil {
		return HoldReceipt{}, err
	}

	amount := hold.Amount
	if _, err := u.post(ctx, hold.AccountID, hold.Asset, hold.Purpose.ConsumeKind(), holdID, -int64(amount), -int64(amount)); err != nil {
		return HoldReceipt{}, err
	}

	hold.Amount = 0
	hold.ConsumedAmount += amount
	hold.Status = domain.HoldConsumed
	return u.finish(ctx, hold, domain.OpConsume, "", amount, "")
}

// CancelHold releases the outstanding amount and closes the hold as CANCELLED.
func (u *Unit) CancelHold(ctx context.Context, holdID string) (HoldReceipt, error) {
	hold, prior, found, err := u.lockForOperation(ctx, holdID, domain.OpCancel, "")
	if err != nil || found {
		return HoldReceipt{Hold: hold, Operation: prior, Duplicate: found}, err
	}
	if err := requireActive(hold); err != nil {
		return HoldReceipt{}, err
	}

	amount := hold.Amount
	if _, err := u.post(ctx, hold.AccountID, hold.Asset, domain.KindRelease, holdID+":cancel", 0, -int64(amount)); err != nil {
		return HoldReceipt{}, err
	}

	hold.Amount = 0
	hold.ReleasedAmount += amount
	hold.Status = domain.HoldCancelled
	return u.finish(ctx, hold, domain.OpCancel, "", amount, "")
}

// TransferFromHold debits the hold owner's held funds and credits
// req.ToAccountID. Both balances are locked in key order.
func (u *Unit) TransferFromHold(ctx context.Context, req HoldTransfer) (HoldReceipt, error) {
	req.ToAccountID = strings.TrimSpace(req.ToAccountID)
	req.Reference = strings.TrimSpace(req.Reference)
	if req.ToAccountID == "" {
		return HoldReceipt{}, errors.InvalidArgument("destination account is required")
	}

	hold, prior, found, err := u.lockForOperation(ctx, req.HoldID, domain.OpTransfer, req.Reference)
	if err != nil || found {
		if found && (prior.CounterpartyID != req.ToAccountID || (req.Amount > 0 && prior.Amount != req.Amount)) {
			return HoldReceipt{}, errors.DuplicateOperation("transfer:" + req.HoldID + ":" + req.Reference)
		}
		return HoldReceipt{Hold: hold, Operation: prior, Duplicate: found}, err
	}
	if err := requireActive(hold); err != nil {
		return HoldReceipt{}, err
	}
	if req.ToAccountID == hold.AccountID {
		return HoldReceipt{}, errors.InvalidArgument("hold %s cannot be transferred to its owner", hold.ID)
	}

	amount := req.Amount
	if amount == 0 {
		amount = hold.Amount
	}
	if amount > hold.Amount {
		return HoldReceipt{}, errors.InvalidArgument("transfer of %d exceeds outstanding hold amount %d", amount, hold.Amount)
	}

	first, second := hold.AccountID, req.ToAccountID
	if second < first {
		first, second = second, first
	}
	for _, acct := range []string{first, second} {
		if _, err := u.tx.LockBalance(ctx, acct, hold.Asset); err != nil {
			return HoldReceipt{}, err
		}
	}

	ref := hold.ID + ":transfer:" + req.Reference
	if _, err := u.post(ctx, hold.AccountID, hold.Asset, domain.KindTransferOut, ref, -int64(amount), -int64(amount)); err != nil {
		return HoldReceipt{}, err
	}
	if _, err := u.post(ctx, req.ToAccountID, hold.Asset, domain.KindTransferIn, ref, int64(amount), 0); err != nil {
		return HoldReceipt{}, err
	}

	hold.Amount -= amount
	hold.ConsumedAmount += amount
	if hold.Amount == 0 {
		hold.Status = domain.HoldConsumed
	}
	return u.finish(ctx, hold, domain.OpTransfer, req.Reference, amount, req.ToAccountID)
}

// lockForOperation locks the hold and looks up a prior operation with the
// same key. found reports a replay.
func (u *Unit) lockForOperation(ctx context.Context, holdID string, kind domain.HoldOpKind, reference string) (domain.Hold, domain.HoldOperation, bool, error) {
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return domain.Hold{}, domain.HoldOperation{}, false, errors.InvalidArgument("hold id is required")
	}
	hold, err := u.tx.LockHold(ctx, holdID)
	if storage.IsNotFound(err) {
		return domain.Hold{}, domain.HoldOperation{}, false, errors.NotFound("hold", holdID)
	}
	if err != nil {
		return domain.Hold{}, domain.HoldOperation{}, false, err
	}

	prior, err := u.tx.GetHoldOperation(ctx, holdID, kind, reference)
	switch {
	case err == nil:
		u.OnCommit(func() { metrics.RecordHoldOperation(string(kind), true) })
		return hold, prior, true, nil
	case storage.IsNotFound(err):
		return hold, domain.HoldOperation{}, false, nil
	default:
		return domain.Hold{}, domain.HoldOperation{}, false, err
	}
}

func (u *Unit) finish(ctx context.Context, hold domain.Hold, kind domain.HoldOpKind, reference string, amount uint64, counterparty string) (HoldReceipt, error) {
	now := u.svc.now()
	hold.UpdatedAt = now
	if hold.Status.Terminal() {
		hold.ReleasedAt = &now
	}
	if err := u.tx.SaveHold(ctx, hold); err != nil {
		return HoldReceipt{}, err
	}

	op, _, err := u.tx.InsertHoldOperation(ctx, domain.HoldOperation{
		HoldID:         hold.ID,
		Kind:           kind,
		Reference:      reference,
		Amount:         amount,
		RemainingAfter: hold.Amount,
		StatusAfter:    hold.Status,
		CounterpartyID: counterparty,
		CreatedAt:      now,
	})
	if err != nil {
		return HoldReceipt{}, err
	}

	u.OnCommit(func() {
		metrics.RecordHoldOperation(string(kind), false)
		u.svc.log.WithFields(logrus.Fields{
			"hold_id":   hold.ID,
			"operation": kind,
			"amount":    amount,
			"remaining": hold.Amount,
			"status":    hold.Status,
		}).Info("hold resolved")
	})
	return HoldReceipt{Hold: hold, Operation: op}, nil
}

func requireActive(hold domain.Hold) error {
	if hold.Status.Terminal() {
		return errors.InvalidArgument("hold %s is already %s", hold.ID, hold.Status).
			WithDetails("hold_id", hold.ID).
			WithDetails("status", string(hold.Status))
	}
	return nil
}
