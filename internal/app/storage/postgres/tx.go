package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
)

type txn struct {
	reader
}

var _ storage.Tx = (*txn)(nil)

// --- balances and entries -------------------------------------------------------

func (t *txn) LockBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error) {
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_id, asset, available, held, version, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3)
		ON CONFLICT (account_id, asset) DO NOTHING
	`, accountID, asset, time.Now().UTC()); err != nil {
		return ledger.Balance{}, err
	}

	var bal ledger.Balance
	err := sqlx.GetContext(ctx, t.q, &bal, `
		SELECT `+balanceColumns+`
		FROM ledger_balances
		WHERE account_id = $1 AND asset = $2
		FOR UPDATE
	`, accountID, asset)
	return bal, err
}

func (t *txn) SaveBalance(ctx context.Context, bal ledger.Balance) (ledger.Balance, error) {
	bal.UpdatedAt = time.Now().UTC()
	var version int64
	err := t.q.QueryRowxContext(ctx, `
		UPDATE ledger_balances
		SET available = $3, held = $4, version = version + 1, updated_at = $5
		WHERE account_id = $1 AND asset = $2 AND version = $6
		RETURNING version
	`, bal.AccountID, bal.Asset, bal.Available, bal.Held, bal.UpdatedAt, bal.Version).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, fmt.Errorf("balance %s/%s: %w", bal.AccountID, bal.Asset, storage.ErrConflict)
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	bal.Version = version
	return bal, nil
}

func (t *txn) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, bool, error) {
	var id string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, asset, kind, reference_id) DO NOTHING
		RETURNING id
	`, entry.ID, entry.AccountID, entry.Asset, entry.Kind, entry.Delta, entry.HeldDelta,
		entry.ReferenceID, entry.AvailableAfter, entry.HeldAfter, entry.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetEntryByReference(ctx, entry.AccountID, entry.Asset, entry.Kind, entry.ReferenceID)
		return existing, false, err
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, true, nil
}

// --- holds ----------------------------------------------------------------------

func (t *txn) InsertHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, bool, error) {
	var id string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, hold.ID, hold.AccountID, hold.Asset, hold.Amount, hold.OriginalAmount, hold.ReleasedAmount,
		hold.ConsumedAmount, hold.Purpose, hold.ReferenceID, hold.Status, hold.CreatedAt, hold.UpdatedAt,
		hold.ReleasedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		var existing ledger.Hold
		err := sqlx.GetContext(ctx, t.q, &existing, `
			SELECT `+holdColumns+`
			FROM ledger_holds
			WHERE (account_id = $1 AND asset = $2 AND purpose = $3 AND reference_id = $4) OR id = $5
			LIMIT 1
		`, hold.AccountID, hold.Asset, hold.Purpose, hold.ReferenceID, hold.ID)
		return existing, false, err
	}
	if err != nil {
		return ledger.Hold{}, false, err
	}
	return hold, true, nil
}

func (t *txn) LockHold(ctx context.Context, id string) (ledger.Hold, error) {
	var hold ledger.Hold
	err := sqlx.GetContext(ctx, t.q, &hold, `SELECT `+holdColumns+` FROM ledger_holds WHERE id = $1 FOR UPDATE`, id)
	return hold, wrapNotFound(err, "hold", id)
}

func (t *txn) SaveHold(ctx context.Context, hold ledger.Hold) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE ledger_holds
		SET amount = $2, released_amount = $3, consumed_amount = $4, status = $5, updated_at = $6, released_at = $7
		WHERE id = $1
	`, hold.ID, hold.Amount, hold.ReleasedAmount, hold.ConsumedAmount, hold.Status, hold.UpdatedAt, hold.ReleasedAt)
	return requireRow(result, err, "hold", hold.ID)
}

func (t *txn) InsertHoldOperation(ctx context.Context, op ledger.HoldOperation) (ledger.HoldOperation, bool, error) {
	var holdID string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_hold_operations (`+holdOpColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hold_id, kind, reference) DO NOTHING
		RETURNING hold_id
	`, op.HoldID, op.Kind, op.Reference, op.Amount, op.RemainingAfter, op.StatusAfter, op.CounterpartyID, op.CreatedAt).Scan(&holdID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetHoldOperation(ctx, op.HoldID, op.Kind, op.Reference)
		return existing, false, err
	}
	if err != nil {
		return ledger.HoldOperation{}, false, err
	}
	return op, true, nil
}

// --- accounts -------------------------------------------------------------------

func (t *txn) InsertAccount(ctx context.Context, acct account.Account) (account.Account, bool, error) {
	var id string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier) DO NOTHING
		RETURNING id
	`, acct.ID, acct.Identifier, acct.DepositAddress, acct.CreatedAt, acct.UpdatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetAccountByIdentifier(ctx, acct.Identifier)
		return existing, false, err
	}
	if err != nil {
		return account.Account{}, false, err
	}
	return acct, true, nil
}

// --- withdrawals ----------------------------------------------------------------

func (t *txn) InsertWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, bool, error) {
	var id string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, w.ID, w.AccountID, w.ToAddress, w.Amount, w.Asset, w.HoldID, w.Status, w.Signature, w.ValidUntil, w.EstimatedFee,
		w.ActualFee, w.FeeDue, w.Sponsored, w.Attempts, w.FailureReason, w.CreatedAt, w.UpdatedAt, w.SubmittedAt,
		w.CompletedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetWithdrawal(ctx, w.ID)
		return existing, false, err
	}
	if err != nil {
		return withdrawal.Withdrawal{}, false, err
	}
	return w, true, nil
}

func (t *txn) LockWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	var w withdrawal.Withdrawal
	err := sqlx.GetContext(ctx, t.q, &w, `SELECT `+withdrawalColumns+` FROM ledger_withdrawals WHERE id = $1 FOR UPDATE`, id)
	return w, wrapNotFound(err, "withdrawal", id)
}

func (t *txn) SaveWithdrawal(ctx context.Context, w withdrawal.Withdrawal) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE ledger_withdrawals
		SET hold_id = $2, status = $3, signature = $4, valid_until = $5, estimated_fee = $6, actual_fee = $7,
		    fee_due = $8, sponsored = $9, attempts = $10, failure_reason = $11, updated_at = $12, submitted_at = $13,
		    completed_at = $14
		WHERE id = $1
	`, w.ID, w.HoldID, w.Status, w.Signature, w.ValidUntil, w.EstimatedFee, w.ActualFee, w.FeeDue, w.Sponsored, w.Attempts,
		w.FailureReason, w.UpdatedAt, w.SubmittedAt, w.CompletedAt)
	return requireRow(result, err, "withdrawal", w.ID)
}

// --- chain records and checkpoints ----------------------------------------------

type upsertedRecord struct {
	chaintx.Record
	Inserted bool `db:"inserted"`
}

func (t *txn) UpsertChainTx(ctx context.Context, rec chaintx.Record) (chaintx.Record, bool, error) {
	var row upsertedRecord
	err := sqlx.GetContext(ctx, t.q, &row, `
		INSERT INTO ledger_chain_txs AS c (`+chainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (signature, direction, address) DO UPDATE
		SET status = EXCLUDED.status,
		    height = GREATEST(c.height, EXCLUDED.height),
		    amount = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE c.amount END,
		    purpose = COALESCE(NULLIF(EXCLUDED.purpose, ''), c.purpose),
		    account_id = COALESCE(NULLIF(EXCLUDED.account_id, ''), c.account_id),
		    confirmed_at = COALESCE(EXCLUDED.confirmed_at, c.confirmed_at),
		    updated_at = EXCLUDED.updated_at
		WHERE c.status NOT IN ('CONFIRMED', 'FAILED')
		RETURNING `+chainColumns+`, (xmax = 0) AS inserted
	`, rec.ID, rec.AccountID, rec.Signature, rec.Direction, rec.Address, rec.Asset, rec.Amount, rec.Purpose,
		rec.Status, rec.Height, rec.EntryID, rec.CreatedAt, rec.UpdatedAt, rec.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetChainTx(ctx, rec.Signature, rec.Direction, rec.Address)
		return existing, false, err
	}
	if err != nil {
		return chaintx.Record{}, false, err
	}
	return row.Record, row.Inserted, nil
}

func (t *txn) SaveChainTx(ctx context.Context, rec chaintx.Record) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE ledger_chain_txs
		SET account_id = $4, amount = $5, purpose = $6, status = $7, height = $8, entry_id = $9,
		    updated_at = $10, confirmed_at = $11
		WHERE signature = $1 AND direction = $2 AND address = $3
	`, rec.Signature, rec.Direction, rec.Address, rec.AccountID, rec.Amount, rec.Purpose, rec.Status,
		rec.Height, rec.EntryID, rec.UpdatedAt, rec.ConfirmedAt)
	return requireRow(result, err, "chain tx", rec.Signature)
}

func (t *txn) SaveCheckpoint(ctx context.Context, cp chaintx.Checkpoint) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_checkpoints AS c (name, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
		WHERE c.position < EXCLUDED.position
	`, cp.Name, cp.Position, cp.UpdatedAt)
	return err
}

// --- pending transfers ----------------------------------------------------------

func (t *txn) InsertPendingTransfer(ctx context.Context, p transfer.PendingTransfer) (transfer.PendingTransfer, bool, error) {
	var id string
	err := t.q.QueryRowxContext(ctx, `
		INSERT INTO ledger_pending_transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, p.ID, p.SenderID, p.RecipientIdentifier, p.RecipientAccountID, p.Asset, p.Amount, p.HoldID, p.Status,
		p.FailureReason, p.ExpiresAt, p.CreatedAt, p.UpdatedAt, p.CompletedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetPendingTransfer(ctx, p.ID)
		return existing, false, err
	}
	if err != nil {
		return transfer.PendingTransfer{}, false, err
	}
	return p, true, nil
}

func (t *txn) LockPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error) {
	var p transfer.PendingTransfer
	err := sqlx.GetContext(ctx, t.q, &p, `SELECT `+transferColumns+` FROM ledger_pending_transfers WHERE id = $1 FOR UPDATE`, id)
	return p, wrapNotFound(err, "pending transfer", id)
}

func (t *txn) SavePendingTransfer(ctx context.Context, p transfer.PendingTransfer) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE ledger_pending_transfers
		SET recipient_account_id = $2, hold_id = $3, status = $4, failure_reason = $5, updated_at = $6, completed_at = $7
		WHERE id = $1
	`, p.ID, p.RecipientAccountID, p.HoldID, p.Status, p.FailureReason, p.UpdatedAt, p.CompletedAt)
	return requireRow(result, err, "pending transfer", p.ID)
}

func requireRow(result sql.Result, err error, kind, id string) error {
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}
