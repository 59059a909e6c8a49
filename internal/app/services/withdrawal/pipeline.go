// Package withdrawal drives withdrawal requests from an internal hold to a
// submitted external transaction. Confirmation is observed by the indexer,
// which calls back into HandleConfirmed and HandleFailed.
package withdrawal

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	ledgerdomain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	sponsordomain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/internal/resilience"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// SponsorGuard is the part of the sponsor budget guard the pipeline uses.
type SponsorGuard interface {
	CanSponsor(ctx context.Context, userID, kind string) (bool, error)
	EstimateFee(kind string) uint64
	RecordSponsorship(ctx context.Context, userID, reference string, fee uint64) (sponsordomain.Usage, error)
}

// Config tunes the pipeline.
type Config struct {
	// ConfirmationTimeout is how long a SUBMITTED request waits for the
	// indexer before it expires.
	ConfirmationTimeout time.Duration
	// BuildingTimeout applies to requests stuck before submission.
	BuildingTimeout time.Duration
	// RecheckDelay separates the two on-chain balance reads.
	RecheckDelay time.Duration
	// Submit is the retry policy for broadcasting.
	Submit resilience.Policy
	// OperationKind is the sponsor fee estimate key.
	OperationKind string
	// FeeAsset is debited for unsponsored network fees.
	FeeAsset string
	// SweepLimit caps the requests examined per expiry sweep.
	SweepLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 2 * time.Minute,
		BuildingTimeout:     5 * time.Minute,
		RecheckDelay:        2 * time.Second,
		Submit:              resilience.DefaultPolicy(),
		OperationKind:       "withdrawal",
		FeeAsset:            "GAS",
		SweepLimit:          100,
	}
}

// Request asks for funds to leave the platform. RequestID is optional; when
// set, replays with the same payload return the existing withdrawal.
type Request struct {
	RequestID string `json:"request_id,omitempty"`
	AccountID string `json:"account_id"`
	ToAddress string `json:"to_address"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
}

// Pipeline owns the withdrawal state machine.
type Pipeline struct {
	store   storage.Store
	ledger  *ledger.Service
	signer  chaintx.Signer
	client  chaintx.LedgerClient
	sponsor SponsorGuard
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
}

// New creates a pipeline. sponsor may be nil, in which case every request
// pays its own fee.
func New(store storage.Store, ledgerSvc *ledger.Service, signer chaintx.Signer, client chaintx.LedgerClient, sponsor SponsorGuard, cfg Config, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault("withdrawal")
	}
	def := DefaultConfig()
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.BuildingTimeout <= 0 {
		cfg.BuildingTimeout = def.BuildingTimeout
	}
	if cfg.RecheckDelay < 0 {
		cfg.RecheckDelay = 0
	}
	if cfg.Submit.MaxAttempts <= 0 {
		cfg.Submit = def.Submit
	}
	if cfg.OperationKind == "" {
		cfg.OperationKind = def.OperationKind
	}
	if cfg.FeeAsset == "" {
		cfg.FeeAsset = def.FeeAsset
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	retryable := cfg.Submit.Retryable
	cfg.Submit.Retryable = func(err error) bool {
		if stderrors.Is(err, chaintx.ErrRejected) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return &Pipeline{
		store:   store,
		ledger:  ledgerSvc,
		signer:  signer,
		client:  client,
		sponsor: sponsor,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestWithdrawal reserves the funds, builds and signs the transfer and
// submits it. It returns once the request is SUBMITTED; confirmation arrives
// later through the indexer.
func (p *Pipeline) RequestWithdrawal(ctx context.Context, req Request) (domain.Withdrawal, error) {
	if err := p.validate(&req); err != nil {
		return domain.Withdrawal{}, err
	}

	if req.RequestID != "" {
		existing, err := p.store.GetWithdrawal(ctx, req.RequestID)
		switch {
		case err == nil:
			return sameRequest(existing, req)
		case !storage.IsNotFound(err):
			return domain.Withdrawal{}, errors.Translate(err, "load withdrawal")
		}
	}
	if _, err := p.store.GetAccount(ctx, req.AccountID); err != nil {
		if storage.IsNotFound(err) {
			return domain.Withdrawal{}, errors.NotFound("account", req.AccountID)
		}
		return domain.Withdrawal{}, errors.Translate(err, "load account")
	}

	sponsored := p.canSponsor(ctx, req.AccountID)
	w, replay, err := p.create(ctx, req, sponsored)
	if err != nil || replay {
		return w, err
	}
	return p.drive(ctx, w)
}

func (p *Pipeline) validate(req *Request) error {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.ToAddress = strings.TrimSpace(req.ToAddress)
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	switch {
	case req.AccountID == "":
		return errors.InvalidArgument("account id is required")
	case req.Asset == "":
		return errors.InvalidArgument("asset is required")
	case req.Amount == 0:
		return errors.InvalidArgument("amount must be positive")
	case req.ToAddress == "":
		return errors.InvalidArgument("destination address is required")
	}
	if err := p.signer.ValidateAddress(req.ToAddress); err != nil {
		return errors.InvalidArgument("invalid destination address: %v", err)
	}
	return nil
}

func sameRequest(existing domain.Withdrawal, req Request) (domain.Withdrawal, error) {
	if existing.AccountID != req.AccountID || existing.ToAddress != req.ToAddress ||
		existing.Asset != req.Asset || existing.Amount != req.Amount {
		return domain.Withdrawal{}, errors.DuplicateOperation("withdrawal " + req.RequestID)
	}
	return existing, nil
}

func (p *Pipeline) canSponsor(ctx context.Context, accountID string) bool {
	if p.sponsor == nil {
		return false
	}
	ok, err := p.sponsor.CanSponsor(ctx, accountID, p.cfg.OperationKind)
	if err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Warn("sponsor check failed; account pays its own fee")
		return false
	}
	return ok
}

// create places the hold and the CREATED record in one unit. replay is set
// when a concurrent request with the same id won the insert.
func (p *Pipeline) create(ctx context.Context, req Request, sponsored bool) (domain.Withdrawal, bool, error) {
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	var estimate uint64
	if p.sponsor != nil {
		estimate = p.sponsor.EstimateFee(p.cfg.OperationKind)
	}

	var (
		result domain.Withdrawal
		replay bool
	)
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		hold, err := u.CreateHold(ctx, ledger.HoldRequest{
			AccountID:   req.AccountID,
			Asset:       req.Asset,
			Amount:      req.Amount,
			Purpose:     ledgerdomain.PurposeWithdrawal,
			ReferenceID: id,
		})
		if err != nil {
			return err
		}
		now := p.now()
		stored, inserted, err := u.Tx().InsertWithdrawal(ctx, domain.Withdrawal{
			ID:           id,
			AccountID:    req.AccountID,
			ToAddress:    req.ToAddress,
			Amount:       req.Amount,
			Asset:        req.Asset,
			HoldID:       hold.ID,
			Status:       domain.StatusCreated,
			EstimatedFee: estimate,
			Sponsored:    sponsored,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result, err = sameRequest(stored, req)
			replay = true
			return err
		}
		result = stored
		u.OnCommit(func() { metrics.RecordWithdrawalTransition(string(domain.StatusCreated)) })
		return nil
	})
	return result, replay, err
}

// drive moves a CREATED request through BUILDING to SUBMITTED.
func (p *Pipeline) drive(ctx context.Context, w domain.Withdrawal) (domain.Withdrawal, error) {
	from, err := p.signer.AddressFor(w.AccountID)
	if err != nil {
		return p.abort(ctx, w, "derive source address", errors.Internal("derive source address", err))
	}

	if err := p.recheckBalance(ctx, w, from); err != nil {
		return p.abort(ctx, w, "on-chain balance check failed", err)
	}

	w, err = p.transition(ctx, w.ID, domain.StatusBuilding, nil)
	if err != nil {
		return w, err
	}

	signed, err := p.signer.Sign(ctx, chaintx.TransferIntent{
		AccountID:   w.AccountID,
		FromAddress: from,
		ToAddress:   w.ToAddress,
		Asset:       w.Asset,
		Amount:      w.Amount,
		Reference:   w.ID,
		SponsorFees: w.Sponsored,
	})
	if err != nil {
		return p.abort(ctx, w, "sign transaction", errors.ExternalSubmissionFailed("sign transaction", err))
	}

	// The signature and its validity bound are durable before broadcast so
	// a crash after submit is still matched by the indexer and expired only
	// once the chain can no longer include it.
	w, err = p.update(ctx, w.ID, func(w *domain.Withdrawal) {
		w.Signature = signed.Hash
		w.ValidUntil = signed.ValidUntil
		w.EstimatedFee = signed.Fee()
	})
	if err != nil {
		return w, err
	}

	attempts := 0
	var signature string
	err = p.cfg.Submit.Do(ctx, func(ctx context.Context) error {
		attempts++
		sig, err := p.client.Submit(ctx, signed)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"withdrawal_id": w.ID,
				"attempt":       attempts,
			}).Warn("withdrawal submission failed")
			return err
		}
		signature = sig
		return nil
	})
	if err != nil {
		if stderrors.Is(err, chaintx.ErrRejected) {
			return p.abort(ctx, w, err.Error(), errors.ExternalSubmissionFailed("transaction rejected", err))
		}
		// The node may still have accepted the transaction; the expiry sweep
		// resolves it from the persisted signature.
		if _, uerr := p.update(ctx, w.ID, func(w *domain.Withdrawal) { w.Attempts += attempts }); uerr != nil {
			p.log.WithError(uerr).WithField("withdrawal_id", w.ID).Warn("record submission attempts failed")
		}
		return w, errors.ExternalSubmissionFailed("submission retries exhausted", err).
			WithDetails("withdrawal_id", w.ID).
			WithDetails("status", string(domain.StatusBuilding))
	}

	now := p.now()
	return p.transition(ctx, w.ID, domain.StatusSubmitted, func(w *domain.Withdrawal) {
		w.Attempts += attempts
		if signature != "" {
			w.Signature = signature
		}
		w.SubmittedAt = &now
	})
}

// recheckBalance confirms the source address really holds the funds. The
// read is retried once after RecheckDelay to absorb propagation latency.
func (p *Pipeline) recheckBalance(ctx context.Context, w domain.Withdrawal, from string) error {
	errShort := stderrors.New("on-chain balance short")
	var onChain uint64
	policy := resilience.RecheckPolicy(p.cfg.RecheckDelay)
	err := policy.Do(ctx, func(ctx context.Context) error {
		bal, err := p.client.GetBalance(ctx, from, w.Asset)
		if err != nil {
			return err
		}
		onChain = bal
		if bal < w.Amount {
			return errShort
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errShort):
		return errors.InsufficientFunds(onChain, w.Amount).WithDetails("withdrawal_id", w.ID).WithDetails("source", "chain")
	default:
		return errors.ExternalSubmissionFailed("read on-chain balance", err).WithDetails("withdrawal_id", w.ID)
	}
}

// abort fails the request, releases its hold and returns cause.
func (p *Pipeline) abort(ctx context.Context, w domain.Withdrawal, reason string, cause error) (domain.Withdrawal, error) {
	failed, err := p.finish(ctx, w.ID, domain.StatusFailed, reason)
	if err != nil {
		p.log.WithError(err).WithField("withdrawal_id", w.ID).Error("failed to abort withdrawal")
		return w, err
	}
	return failed, cause
}

// finish moves a request to FAILED or EXPIRED and releases its hold in the
// same unit.
func (p *Pipeline) finish(ctx context.Context, id string, to domain.Status, reason string) (domain.Withdrawal, error) {
	var result domain.Withdrawal
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		w, err := u.Tx().LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == to {
			result = w
			return nil
		}
		if !domain.CanTransition(w.Status, to) {
			return errors.ReconciliationConflict("withdrawal %s is %s, cannot move to %s", id, w.Status, to)
		}
		if _, err := u.ReleaseHold(ctx, w.HoldID); err != nil {
			return err
		}
		now := p.now()
		from := w.Status
		w.Status = to
		w.FailureReason = reason
		w.UpdatedAt = now
		w.CompletedAt = &now
		if err := u.Tx().SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		u.OnCommit(func() { p.recordTransition(w, from) })
		return nil
	})
	return result, err
}

func (p *Pipeline) transition(ctx context.Context, id string, to domain.Status, mutate func(*domain.Withdrawal)) (domain.Withdrawal, error) {
	var result domain.Withdrawal
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		w, err := u.Tx().LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(w.Status, to) {
			return errors.ReconciliationConflict("withdrawal %s is %s, cannot move to %s", id, w.Status, to)
		}
		from := w.Status
		if mutate != nil {
			mutate(&w)
		}
		w.Status = to
		w.UpdatedAt = p.now()
		if err := u.Tx().SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		u.OnCommit(func() { p.recordTransition(w, from) })
		return nil
	})
	return result, err
}

// update saves field changes without a status move.
func (p *Pipeline) update(ctx context.Context, id string, mutate func(*domain.Withdrawal)) (domain.Withdrawal, error) {
	var result domain.Withdrawal
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		w, err := u.Tx().LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		mutate(&w)
		w.UpdatedAt = p.now()
		if err := u.Tx().SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		return nil
	})
	return result, err
}

func (p *Pipeline) recordTransition(w domain.Withdrawal, from domain.Status) {
	metrics.RecordWithdrawalTransition(string(w.Status))
	entry := p.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"account_id":    w.AccountID,
		"from":          from,
		"to":            w.Status,
	})
	if w.Signature != "" {
		entry = entry.WithField("signature", w.Signature)
	}
	if w.FailureReason != "" {
		entry = entry.WithField("reason", w.FailureReason)
	}
	entry.Info("withdrawal transition")
}

// GetWithdrawal loads a request.
func (p *Pipeline) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	w, err := p.store.GetWithdrawal(ctx, id)
	if storage.IsNotFound(err) {
		return domain.Withdrawal{}, errors.NotFound("withdrawal", id)
	}
	return w, errors.Translate(err, "load withdrawal")
}

// ListWithdrawals lists an account's requests.
func (p *Pipeline) ListWithdrawals(ctx context.Context, accountID string) ([]domain.Withdrawal, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.InvalidArgument("account id is required")
	}
	result, err := p.store.ListWithdrawals(ctx, accountID)
	return result, errors.Translate(err, "list withdrawals")
}

// HandleConfirmed consumes the hold of the withdrawal carrying signature and
// marks it CONFIRMED. NOT_FOUND means no withdrawal carries the signature. A repeat is a no-op; a request already FAILED or
// EXPIRED is a RECONCILIATION_CONFLICT and nothing is applied.
func (p *Pipeline) HandleConfirmed(ctx context.Context, signature string, fee uint64) (domain.Withdrawal, error) {
	var (
		result    domain.Withdrawal
		confirmed bool
	)
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		w, err := p.lockBySignature(ctx, u, signature)
		if err != nil {
			return err
		}
		result = w
		switch w.Status {
		case domain.StatusConfirmed:
			return nil
		case domain.StatusFailed, domain.StatusExpired:
			return errors.ReconciliationConflict("withdrawal %s is already %s", w.ID, w.Status).
				WithDetails("withdrawal_id", w.ID).
				WithDetails("signature", signature)
		}
		if _, err := u.ConsumeHold(ctx, w.HoldID); err != nil {
			return err
		}
		if err := p.chargeFee(ctx, u, &w, fee); err != nil {
			return err
		}
		from := w.Status
		now := p.now()
		w.Status = domain.StatusConfirmed
		w.UpdatedAt = now
		w.CompletedAt = &now
		if err := u.Tx().SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		confirmed = true
		u.OnCommit(func() { p.recordTransition(w, from) })
		return nil
	})
	if err != nil || !confirmed {
		return result, err
	}
	return p.afterFee(ctx, result), nil
}

// HandleFailed releases the hold of the withdrawal carrying signature and
// marks it FAILED.
func (p *Pipeline) HandleFailed(ctx context.Context, signature string, fee uint64, reason string) (domain.Withdrawal, error) {
	var (
		result domain.Withdrawal
		failed bool
	)
	err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		w, err := p.lockBySignature(ctx, u, signature)
		if err != nil {
			return err
		}
		result = w
		switch w.Status {
		case domain.StatusFailed, domain.StatusExpired:
			return nil
		case domain.StatusConfirmed:
			return errors.ReconciliationConflict("withdrawal %s is already %s", w.ID, w.Status).
				WithDetails("withdrawal_id", w.ID).
				WithDetails("signature", signature)
		}
		if _, err := u.ReleaseHold(ctx, w.HoldID); err != nil {
			return err
		}
		// A faulted transaction still burns its fee.
		if err := p.chargeFee(ctx, u, &w, fee); err != nil {
			return err
		}
		from := w.Status
		now := p.now()
		if reason == "" {
			reason = "transaction failed on chain"
		}
		w.Status = domain.StatusFailed
		w.FailureReason = reason
		w.UpdatedAt = now
		w.CompletedAt = &now
		if err := u.Tx().SaveWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		failed = true
		u.OnCommit(func() { p.recordTransition(w, from) })
		return nil
	})
	if err != nil || !failed {
		return result, err
	}
	return p.afterFee(ctx, result), nil
}

func (p *Pipeline) lockBySignature(ctx context.Context, u *ledger.Unit, signature string) (domain.Withdrawal, error) {
	w, err := u.Tx().GetWithdrawalBySignature(ctx, signature)
	if storage.IsNotFound(err) {
		return domain.Withdrawal{}, errors.NotFound("withdrawal signature", signature)
	}
	if err != nil {
		return domain.Withdrawal{}, err
	}
	return u.Tx().LockWithdrawal(ctx, w.ID)
}

// chargeFee settles the network fee inside the unit that finishes w. An
// unsponsored fee is debited from the account's fee-asset balance; when that
// balance is short the fee stays in FeeDue. A sponsored fee always stays in
// FeeDue until the sponsor budget records it after commit.
func (p *Pipeline) chargeFee(ctx context.Context, u *ledger.Unit, w *domain.Withdrawal, fee uint64) error {
	w.ActualFee = fee
	w.FeeDue = 0
	if fee == 0 {
		return nil
	}
	if w.Sponsored {
		if p.sponsor != nil {
			w.FeeDue = fee
		}
		return nil
	}
	_, err := u.Debit(ctx, p.feePosting(*w, fee))
	if errors.HasCode(err, errors.CodeInsufficientFunds) {
		w.FeeDue = fee
		return nil
	}
	return err
}

func (p *Pipeline) feePosting(w domain.Withdrawal, fee uint64) ledger.PostingRequest {
	return ledger.PostingRequest{
		AccountID:   w.AccountID,
		Asset:       p.cfg.FeeAsset,
		Amount:      fee,
		Kind:        ledgerdomain.KindWithdraw,
		ReferenceID: w.ID + ":fee",
	}
}

// afterFee records a sponsored fee once the finishing unit has committed.
// Anything left unsettled is retried by SettleFees.
func (p *Pipeline) afterFee(ctx context.Context, w domain.Withdrawal) domain.Withdrawal {
	if w.FeeDue == 0 {
		return w
	}
	entry := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "account_id": w.AccountID, "fee": w.FeeDue})
	if !w.Sponsored {
		entry.Warn("fee balance short; network fee deferred")
		return w
	}
	settled, err := p.recordSponsorship(ctx, w)
	if err != nil {
		entry.WithError(err).Warn("record sponsorship failed; retrying next sweep")
		return w
	}
	return settled
}

func (p *Pipeline) recordSponsorship(ctx context.Context, w domain.Withdrawal) (domain.Withdrawal, error) {
	if _, err := p.sponsor.RecordSponsorship(ctx, w.AccountID, w.ID, w.FeeDue); err != nil {
		return w, err
	}
	return p.update(ctx, w.ID, func(w *domain.Withdrawal) { w.FeeDue = 0 })
}

// SettleFees retries fees left in FeeDue: sponsored fees are recorded
// against the budget, and unsponsored ones are debited once the fee-asset
// balance covers them. The debit reuses the withdrawal's fee reference, so
// a retry never charges twice. It returns the number of fees settled.
func (p *Pipeline) SettleFees(ctx context.Context) (int, error) {
	due, err := p.store.ListFeeDueWithdrawals(ctx, p.cfg.SweepLimit)
	if err != nil {
		return 0, errors.Translate(err, "list fee due withdrawals")
	}
	settled := 0
	for _, w := range due {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		entry := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "fee": w.FeeDue})
		if w.Sponsored {
			if p.sponsor == nil {
				continue
			}
			if _, err := p.recordSponsorship(ctx, w); err != nil {
				entry.WithError(err).Warn("record sponsorship failed")
				continue
			}
			settled++
			continue
		}

		charged := false
		err := p.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
			cur, err := u.Tx().LockWithdrawal(ctx, w.ID)
			if err != nil {
				return err
			}
			if cur.FeeDue == 0 {
				return nil
			}
			if _, err := u.Debit(ctx, p.feePosting(cur, cur.FeeDue)); err != nil {
				return err
			}
			cur.FeeDue = 0
			cur.UpdatedAt = p.now()
			if err := u.Tx().SaveWithdrawal(ctx, cur); err != nil {
				return err
			}
			charged = true
			return nil
		})
		switch {
		case errors.HasCode(err, errors.CodeInsufficientFunds):
			entry.Debug("fee balance still short")
		case err != nil:
			entry.WithError(err).Warn("deferred fee debit failed")
		case charged:
			entry.Info("deferred network fee charged")
			settled++
		}
	}
	return settled, nil
}

// ExpireStale expires SUBMITTED requests older than the confirmation timeout
// and requests stuck before submission longer than the building timeout.
// A signed request is expired only once the chain head has passed its
// ValidUntil block and the ledger still does not know the transaction; until
// then it can land and is left to the indexer. It returns the number of
// requests moved.
func (p *Pipeline) ExpireStale(ctx context.Context) (int, error) {
	now := p.now()
	submitted, err := p.store.ListStaleWithdrawals(ctx, []domain.Status{domain.StatusSubmitted}, now.Add(-p.cfg.ConfirmationTimeout), p.cfg.SweepLimit)
	if err != nil {
		return 0, errors.Translate(err, "list stale withdrawals")
	}
	building, err := p.store.ListStaleWithdrawals(ctx, []domain.Status{domain.StatusCreated, domain.StatusBuilding}, now.Add(-p.cfg.BuildingTimeout), p.cfg.SweepLimit)
	if err != nil {
		return 0, errors.Translate(err, "list stale withdrawals")
	}

	moved := 0
	var (
		head     uint64
		headRead bool
	)
	for _, w := range append(submitted, building...) {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		entry := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "status": w.Status})

		if w.Signature != "" {
			if w.ValidUntil == 0 {
				entry.Warn("signed withdrawal has no validity bound; leaving it for the indexer")
				continue
			}
			// The head is read before any status so a transaction included
			// up to that height is visible to GetStatus.
			if !headRead {
				head, err = p.client.Head(ctx)
				if err != nil {
					entry.WithError(err).Warn("read chain head failed; retrying next sweep")
					return moved, nil
				}
				headRead = true
			}
			if head <= w.ValidUntil {
				entry.WithFields(logrus.Fields{"head": head, "valid_until": w.ValidUntil}).
					Debug("transaction still includable; not expiring")
				continue
			}
			outcome, err := p.client.GetStatus(ctx, w.Signature)
			if err != nil {
				entry.WithError(err).Warn("status check failed; retrying next sweep")
				continue
			}
			if outcome != chaintx.OutcomeUnknown {
				entry.WithField("outcome", outcome).Info("withdrawal settled on chain; awaiting indexer")
				continue
			}
		}

		to, reason := domain.StatusExpired, errors.ExternalConfirmationTimeout(w.Signature).Message
		if w.Status == domain.StatusCreated {
			to, reason = domain.StatusFailed, "abandoned before submission"
		}
		if _, err := p.finish(ctx, w.ID, to, reason); err != nil {
			if errors.HasCode(err, errors.CodeReconciliationConflict) {
				continue
			}
			entry.WithError(err).Warn("expire withdrawal failed")
			continue
		}
		moved++
	}
	return moved, nil
}
