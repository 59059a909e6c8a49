package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
)

// txn is the storage.Tx handed to RunInTx callbacks. The store mutex is held
// for its whole lifetime, so Lock* methods are plain reads.
type txn struct {
	*state
}

var _ storage.Tx = (*txn)(nil)

func (t *txn) LockBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error) {
	key := balanceKey{accountID, asset}
	if _, ok := t.balances[key]; !ok {
		t.balances[key] = ledger.Balance{AccountID: accountID, Asset: asset, UpdatedAt: time.Now().UTC()}
	}
	return t.GetBalance(ctx, accountID, asset)
}

func (t *txn) SaveBalance(_ context.Context, bal ledger.Balance) (ledger.Balance, error) {
	key := balanceKey{bal.AccountID, bal.Asset}
	current, ok := t.balances[key]
	if ok && current.Version != bal.Version {
		return ledger.Balance{}, fmt.Errorf("balance %s/%s: %w", bal.AccountID, bal.Asset, storage.ErrConflict)
	}
	bal.Version++
	bal.UpdatedAt = time.Now().UTC()
	t.balances[key] = bal
	return bal, nil
}

func (t *txn) InsertEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, bool, error) {
	key := entryKey{entry.AccountID, entry.Asset, entry.Kind, entry.ReferenceID}
	if existing, ok := t.entryIndex[key]; ok {
		return existing, false, nil
	}
	bk := balanceKey{entry.AccountID, entry.Asset}
	t.entries[bk] = append(t.entries[bk], entry)
	t.entryIndex[key] = entry
	return entry, true, nil
}

func (t *txn) InsertHold(_ context.Context, hold ledger.Hold) (ledger.Hold, bool, error) {
	ref := holdRefKey{hold.AccountID, hold.Asset, hold.Purpose, hold.ReferenceID}
	if id, ok := t.holdRefs[ref]; ok {
		return t.holds[id], false, nil
	}
	if existing, ok := t.holds[hold.ID]; ok {
		return existing, false, nil
	}
	t.holds[hold.ID] = hold
	t.holdRefs[ref] = hold.ID
	return hold, true, nil
}

func (t *txn) LockHold(ctx context.Context, id string) (ledger.Hold, error) {
	return t.GetHold(ctx, id)
}

func (t *txn) SaveHold(_ context.Context, hold ledger.Hold) error {
	if _, ok := t.holds[hold.ID]; !ok {
		return notFound("hold", hold.ID)
	}
	t.holds[hold.ID] = hold
	return nil
}

func (t *txn) InsertHoldOperation(_ context.Context, op ledger.HoldOperation) (ledger.HoldOperation, bool, error) {
	key := holdOpKey{op.HoldID, op.Kind, op.Reference}
	if existing, ok := t.holdOps[key]; ok {
		return existing, false, nil
	}
	t.holdOps[key] = op
	return op, true, nil
}

func (t *txn) InsertAccount(_ context.Context, acct account.Account) (account.Account, bool, error) {
	if id, ok := t.accountsByIdentifier[acct.Identifier]; ok {
		return t.accounts[id], false, nil
	}
	if _, ok := t.accounts[acct.ID]; ok {
		return account.Account{}, false, fmt.Errorf("account %s already exists", acct.ID)
	}
	if owner, ok := t.accountsByAddress[acct.DepositAddress]; ok && acct.DepositAddress != "" {
		return account.Account{}, false, fmt.Errorf("address %s already assigned to account %s", acct.DepositAddress, owner)
	}
	t.accounts[acct.ID] = acct
	t.accountsByIdentifier[acct.Identifier] = acct.ID
	if acct.DepositAddress != "" {
		t.accountsByAddress[acct.DepositAddress] = acct.ID
	}
	return acct, true, nil
}

func (t *txn) InsertWithdrawal(_ context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, bool, error) {
	if existing, ok := t.withdrawals[w.ID]; ok {
		return existing, false, nil
	}
	t.withdrawals[w.ID] = w
	if w.Signature != "" {
		t.withdrawalsBySig[w.Signature] = w.ID
	}
	return w, true, nil
}

func (t *txn) LockWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	return t.GetWithdrawal(ctx, id)
}

func (t *txn) SaveWithdrawal(_ context.Context, w withdrawal.Withdrawal) error {
	previous, ok := t.withdrawals[w.ID]
	if !ok {
		return notFound("withdrawal", w.ID)
	}
	if previous.Signature != "" && previous.Signature != w.Signature {
		delete(t.withdrawalsBySig, previous.Signature)
	}
	if w.Signature != "" {
		if owner, ok := t.withdrawalsBySig[w.Signature]; ok && owner != w.ID {
			return fmt.Errorf("signature %s already linked to withdrawal %s", w.Signature, owner)
		}
		t.withdrawalsBySig[w.Signature] = w.ID
	}
	t.withdrawals[w.ID] = w
	return nil
}

func (t *txn) UpsertChainTx(_ context.Context, rec chaintx.Record) (chaintx.Record, bool, error) {
	key := chainKey{rec.Signature, rec.Direction, rec.Address}
	existing, ok := t.chainTxs[key]
	if !ok {
		t.chainTxs[key] = rec
		t.chainOrder = append(t.chainOrder, key)
		return rec, true, nil
	}
	if existing.Status.Final() {
		return existing, false, nil
	}
	existing.Status = rec.Status
	if rec.Height > 0 {
		existing.Height = rec.Height
	}
	if rec.Amount > 0 {
		existing.Amount = rec.Amount
	}
	if rec.Purpose != "" {
		existing.Purpose = rec.Purpose
	}
	if rec.AccountID != "" {
		existing.AccountID = rec.AccountID
	}
	if rec.ConfirmedAt != nil {
		existing.ConfirmedAt = rec.ConfirmedAt
	}
	existing.UpdatedAt = rec.UpdatedAt
	t.chainTxs[key] = existing
	return existing, false, nil
}

func (t *txn) SaveChainTx(_ context.Context, rec chaintx.Record) error {
	key := chainKey{rec.Signature, rec.Direction, rec.Address}
	if _, ok := t.chainTxs[key]; !ok {
		return notFound("chain tx", rec.Signature)
	}
	t.chainTxs[key] = rec
	return nil
}

func (t *txn) SaveCheckpoint(_ context.Context, cp chaintx.Checkpoint) error {
	if current, ok := t.checkpoints[cp.Name]; ok && current.Position >= cp.Position {
		return nil
	}
	t.checkpoints[cp.Name] = cp
	return nil
}

func (t *txn) InsertPendingTransfer(_ context.Context, p transfer.PendingTransfer) (transfer.PendingTransfer, bool, error) {
	if existing, ok := t.transfers[p.ID]; ok {
		return existing, false, nil
	}
	t.transfers[p.ID] = p
	return p, true, nil
}

func (t *txn) LockPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error) {
	return t.GetPendingTransfer(ctx, id)
}

func (t *txn) SavePendingTransfer(_ context.Context, p transfer.PendingTransfer) error {
	if _, ok := t.transfers[p.ID]; !ok {
		return notFound("pending transfer", p.ID)
	}
	t.transfers[p.ID] = p
	return nil
}
