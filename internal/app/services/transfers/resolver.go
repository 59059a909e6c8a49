// Package transfers settles value sent to identifiers that have no account
// yet. Funds wait in an escrow hold on the sender until the recipient
// registers, the sender cancels, or the transfer expires.
package transfers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ledgerdomain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// Directory resolves public identifiers to accounts.
type Directory interface {
	// FindAccountByIdentifier returns the account id, or ok=false when no
	// account carries the identifier.
	FindAccountByIdentifier(ctx context.Context, identifier string) (accountID string, ok bool, err error)
}

// Config tunes expiry and sweeping.
type Config struct {
	Expiry     time.Duration `json:"expiry"`
	SweepLimit int           `json:"sweep_limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Expiry:     30 * 24 * time.Hour,
		SweepLimit: 100,
	}
}

// CreateRequest sends Amount of Asset to RecipientIdentifier. RequestID is
// optional; replays with the same payload return the existing transfer.
type CreateRequest struct {
	RequestID           string `json:"request_id,omitempty"`
	SenderID            string `json:"sender_id"`
	RecipientIdentifier string `json:"recipient_identifier"`
	Asset               string `json:"asset"`
	Amount              uint64 `json:"amount"`
}

// SweepResult counts the work done by one sweep.
type SweepResult struct {
	Expired int `json:"expired"`
	Resumed int `json:"resumed"`
	Failed  int `json:"failed"`
}

// Resolver owns the pending transfer lifecycle.
type Resolver struct {
	store     storage.Store
	ledger    *ledger.Service
	directory Directory
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// New creates a resolver. directory may be nil, in which case every
// transfer waits for ResolveForNewAccount.
func New(store storage.Store, ledgerSvc *ledger.Service, directory Directory, cfg Config, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("transfers")
	}
	def := DefaultConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	return &Resolver{
		store:     store,
		ledger:    ledgerSvc,
		directory: directory,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create escrows the amount on the sender. When the identifier already
// resolves to an account the transfer settles immediately.
func (r *Resolver) Create(ctx context.Context, req CreateRequest) (domain.PendingTransfer, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.RecipientIdentifier = strings.TrimSpace(req.RecipientIdentifier)
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	switch {
	case req.SenderID == "":
		return domain.PendingTransfer{}, errors.InvalidArgument("sender_id is required")
	case req.RecipientIdentifier == "":
		return domain.PendingTransfer{}, errors.InvalidArgument("recipient_identifier is required")
	case req.Asset == "":
		return domain.PendingTransfer{}, errors.InvalidArgument("asset is required")
	case req.Amount == 0:
		return domain.PendingTransfer{}, errors.InvalidArgument("amount must be positive")
	}

	if _, err := r.store.GetAccount(ctx, req.SenderID); err != nil {
		if storage.IsNotFound(err) {
			return domain.PendingTransfer{}, errors.NotFound("account", req.SenderID)
		}
		return domain.PendingTransfer{}, errors.Translate(err, "load sender")
	}

	recipientID, resolved, err := r.lookup(ctx, req.RecipientIdentifier)
	if err != nil {
		return domain.PendingTransfer{}, err
	}
	if resolved && recipientID == req.SenderID {
		return domain.PendingTransfer{}, errors.InvalidArgument("cannot transfer to yourself")
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()

	var result domain.PendingTransfer
	var inserted bool
	err = r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		hold, err := u.CreateHold(ctx, ledger.HoldRequest{
			AccountID:   req.SenderID,
			Asset:       req.Asset,
			Amount:      req.Amount,
			Purpose:     ledgerdomain.PurposeEscrow,
			ReferenceID: id,
		})
		if err != nil {
			return err
		}
		result, inserted, err = u.Tx().InsertPendingTransfer(ctx, domain.PendingTransfer{
			ID:                  id,
			SenderID:            req.SenderID,
			RecipientIdentifier: req.RecipientIdentifier,
			Asset:               req.Asset,
			Amount:              req.Amount,
			HoldID:              hold.ID,
			Status:              domain.StatusPending,
			ExpiresAt:           now.Add(r.cfg.Expiry),
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return sameRequest(result, req)
		}
		return nil
	})
	if err != nil {
		return domain.PendingTransfer{}, err
	}
	if !inserted {
		return result, nil
	}

	metrics.RecordPendingTransfer(string(domain.StatusPending))
	r.log.WithFields(logrus.Fields{
		"transfer_id": result.ID,
		"sender_id":   result.SenderID,
		"recipient":   result.RecipientIdentifier,
		"asset":       result.Asset,
		"amount":      result.Amount,
	}).Info("pending transfer created")

	if resolved {
		return r.settle(ctx, result.ID, recipientID)
	}
	return result, nil
}

func (r *Resolver) lookup(ctx context.Context, identifier string) (string, bool, error) {
	if r.directory == nil {
		return "", false, nil
	}
	id, ok, err := r.directory.FindAccountByIdentifier(ctx, identifier)
	if err != nil {
		return "", false, errors.Translate(err, "resolve identifier")
	}
	return id, ok, nil
}

func sameRequest(existing domain.PendingTransfer, req CreateRequest) error {
	if existing.SenderID != req.SenderID || existing.RecipientIdentifier != req.RecipientIdentifier ||
		existing.Asset != req.Asset || existing.Amount != req.Amount {
		return errors.DuplicateOperation("pending transfer " + req.RequestID)
	}
	return nil
}

// ResolveForNewAccount settles every transfer addressed to identifier into
// accountID, oldest first. Each transfer settles in its own unit; the first
// failure stops the batch and leaves the rest untouched for a later call or
// sweep. Already completed transfers are never settled twice.
func (r *Resolver) ResolveForNewAccount(ctx context.Context, accountID, identifier string) ([]domain.PendingTransfer, error) {
	accountID = strings.TrimSpace(accountID)
	identifier = strings.TrimSpace(identifier)
	if accountID == "" || identifier == "" {
		return nil, errors.InvalidArgument("account id and identifier are required")
	}

	var candidates []domain.PendingTransfer
	for _, status := range []domain.Status{domain.StatusProcessing, domain.StatusPending} {
		found, err := r.store.ListTransfersForRecipient(ctx, identifier, status)
		if err != nil {
			return nil, errors.Translate(err, "list pending transfers")
		}
		candidates = append(candidates, found...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var settled []domain.PendingTransfer
	for _, p := range candidates {
		if p.Status == domain.StatusProcessing && p.RecipientAccountID != accountID {
			continue
		}
		if p.SenderID == accountID {
			continue
		}
		result, err := r.settle(ctx, p.ID, accountID)
		if err != nil {
			return settled, err
		}
		if result.Status == domain.StatusCompleted {
			settled = append(settled, result)
		}
	}
	return settled, nil
}

// settle moves a transfer to PROCESSING with its recipient recorded, then
// performs the escrow transfer and completes it. The PROCESSING intent lets
// the sweep finish a settlement interrupted between the two steps.
func (r *Resolver) settle(ctx context.Context, id, recipientID string) (domain.PendingTransfer, error) {
	var intent domain.PendingTransfer
	err := r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		p, err := lock(ctx, u, id)
		if err != nil {
			return err
		}
		intent = p
		switch p.Status {
		case domain.StatusPending:
			if !p.ExpiresAt.After(r.now()) {
				// Left for the sweep to refund.
				return nil
			}
			p.Status = domain.StatusProcessing
			p.RecipientAccountID = recipientID
			p.UpdatedAt = r.now()
			intent = p
			return u.Tx().SavePendingTransfer(ctx, p)
		case domain.StatusProcessing:
			if p.RecipientAccountID != recipientID {
				return errors.ReconciliationConflict("pending transfer %s is already resolving to %s", p.ID, p.RecipientAccountID)
			}
		}
		return nil
	})
	if err != nil {
		return domain.PendingTransfer{}, err
	}
	if intent.Status != domain.StatusProcessing {
		return intent, nil
	}
	return r.complete(ctx, id)
}

// complete performs the escrow transfer for a PROCESSING transfer.
func (r *Resolver) complete(ctx context.Context, id string) (domain.PendingTransfer, error) {
	var result domain.PendingTransfer
	err := r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		p, err := lock(ctx, u, id)
		if err != nil {
			return err
		}
		result = p
		if p.Status != domain.StatusProcessing {
			return nil
		}
		if _, err := u.TransferFromHold(ctx, ledger.HoldTransfer{
			HoldID:      p.HoldID,
			ToAccountID: p.RecipientAccountID,
			Reference:   p.ID,
		}); err != nil {
			return err
		}
		now := r.now()
		p.Status = domain.StatusCompleted
		p.CompletedAt = &now
		p.UpdatedAt = now
		if err := u.Tx().SavePendingTransfer(ctx, p); err != nil {
			return err
		}
		result = p
		u.OnCommit(func() { r.recordFinal(p) })
		return nil
	})
	if err != nil && errors.HasCode(err, errors.CodeInvalidArgument) {
		// The escrow hold is no longer active; the transfer cannot settle.
		return r.fail(ctx, id, err.Error())
	}
	return result, err
}

func (r *Resolver) fail(ctx context.Context, id, reason string) (domain.PendingTransfer, error) {
	var result domain.PendingTransfer
	err := r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		p, err := lock(ctx, u, id)
		if err != nil {
			return err
		}
		result = p
		if p.Status.Terminal() {
			return nil
		}
		hold, err := u.Tx().LockHold(ctx, p.HoldID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		if err == nil && !hold.Status.Terminal() {
			if _, err := u.CancelHold(ctx, p.HoldID); err != nil {
				return err
			}
		}
		p.Status = domain.StatusFailed
		p.FailureReason = reason
		p.UpdatedAt = r.now()
		if err := u.Tx().SavePendingTransfer(ctx, p); err != nil {
			return err
		}
		result = p
		u.OnCommit(func() { r.recordFinal(p) })
		return nil
	})
	return result, err
}

// Cancel refunds a PENDING transfer to its sender. senderID, when set, must
// match the transfer's sender.
func (r *Resolver) Cancel(ctx context.Context, id, senderID string) (domain.PendingTransfer, error) {
	senderID = strings.TrimSpace(senderID)
	var result domain.PendingTransfer
	err := r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		p, err := lock(ctx, u, id)
		if err != nil {
			return err
		}
		if senderID != "" && p.SenderID != senderID {
			return errors.NotFound("pending transfer", id)
		}
		result = p
		switch p.Status {
		case domain.StatusCancelled:
			return nil
		case domain.StatusPending:
		default:
			return errors.InvalidArgument("pending transfer %s is %s and cannot be cancelled", p.ID, p.Status)
		}
		if _, err := u.CancelHold(ctx, p.HoldID); err != nil {
			return err
		}
		p.Status = domain.StatusCancelled
		p.UpdatedAt = r.now()
		if err := u.Tx().SavePendingTransfer(ctx, p); err != nil {
			return err
		}
		result = p
		u.OnCommit(func() { r.recordFinal(p) })
		return nil
	})
	return result, err
}

// Sweep refunds expired PENDING transfers and resumes PROCESSING ones.
func (r *Resolver) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	expired, err := r.store.ListTransfersByStatus(ctx, domain.StatusPending, r.now(), r.cfg.SweepLimit)
	if err != nil {
		return result, errors.Translate(err, "list expired transfers")
	}
	for _, p := range expired {
		moved, err := r.expire(ctx, p.ID)
		if err != nil {
			result.Failed++
			r.log.WithError(err).WithField("transfer_id", p.ID).Warn("failed to refund expired transfer")
			continue
		}
		if moved {
			result.Expired++
		}
	}

	processing, err := r.store.ListTransfersByStatus(ctx, domain.StatusProcessing, time.Time{}, r.cfg.SweepLimit)
	if err != nil {
		return result, errors.Translate(err, "list processing transfers")
	}
	for _, p := range processing {
		done, err := r.complete(ctx, p.ID)
		if err != nil {
			result.Failed++
			r.log.WithError(err).WithField("transfer_id", p.ID).Warn("failed to resume pending transfer")
			continue
		}
		if done.Status == domain.StatusCompleted {
			result.Resumed++
		}
	}
	return result, nil
}

func (r *Resolver) expire(ctx context.Context, id string) (bool, error) {
	moved := false
	err := r.ledger.Atomic(ctx, func(ctx context.Context, u *ledger.Unit) error {
		p, err := lock(ctx, u, id)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusPending || p.ExpiresAt.After(r.now()) {
			return nil
		}
		if _, err := u.ReleaseHold(ctx, p.HoldID); err != nil {
			return err
		}
		p.Status = domain.StatusExpired
		p.UpdatedAt = r.now()
		if err := u.Tx().SavePendingTransfer(ctx, p); err != nil {
			return err
		}
		moved = true
		u.OnCommit(func() { r.recordFinal(p) })
		return nil
	})
	return moved, err
}

// Get loads a transfer.
func (r *Resolver) Get(ctx context.Context, id string) (domain.PendingTransfer, error) {
	p, err := r.store.GetPendingTransfer(ctx, strings.TrimSpace(id))
	if storage.IsNotFound(err) {
		return domain.PendingTransfer{}, errors.NotFound("pending transfer", id)
	}
	return p, errors.Translate(err, "load pending transfer")
}

// ListBySender lists the transfers a sender created.
func (r *Resolver) ListBySender(ctx context.Context, senderID string) ([]domain.PendingTransfer, error) {
	result, err := r.store.ListTransfersBySender(ctx, strings.TrimSpace(senderID))
	return result, errors.Translate(err, "list pending transfers")
}

func lock(ctx context.Context, u *ledger.Unit, id string) (domain.PendingTransfer, error) {
	p, err := u.Tx().LockPendingTransfer(ctx, id)
	if storage.IsNotFound(err) {
		return domain.PendingTransfer{}, errors.NotFound("pending transfer", id)
	}
	return p, err
}

func (r *Resolver) recordFinal(p domain.PendingTransfer) {
	metrics.RecordPendingTransfer(string(p.Status))
	entry := r.log.WithFields(logrus.Fields{
		"transfer_id": p.ID,
		"sender_id":   p.SenderID,
		"recipient":   p.RecipientIdentifier,
		"status":      p.Status,
	})
	if p.RecipientAccountID != "" {
		entry = entry.WithField("recipient_account_id", p.RecipientAccountID)
	}
	if p.FailureReason != "" {
		entry = entry.WithField("reason", p.FailureReason)
	}
	entry.Info("pending transfer settled")
}
