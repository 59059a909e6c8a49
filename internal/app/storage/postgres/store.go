package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
)

// Store implements storage.Store backed by PostgreSQL. Per-key serialization
// uses SELECT ... FOR UPDATE inside the unit's transaction; idempotency
// boundaries are ON CONFLICT upserts on each table's natural key.
type Store struct {
	reader
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	x := sqlx.NewDb(db, "postgres")
	return &Store{reader: reader{q: x}, db: x}
}

// RunInTx runs fn in one database transaction. fn's error rolls it back.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &txn{reader: reader{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const (
	balanceColumns    = `account_id, asset, available, held, version, updated_at`
	entryColumns      = `id, account_id, asset, kind, delta, held_delta, reference_id, available_after, held_after, created_at`
	holdColumns       = `id, account_id, asset, amount, original_amount, released_amount, consumed_amount, purpose, reference_id, status, created_at, updated_at, released_at`
	holdOpColumns     = `hold_id, kind, reference, amount, remaining_after, status_after, counterparty_id, created_at`
	accountColumns    = `id, identifier, deposit_address, created_at, updated_at`
	withdrawalColumns = `id, account_id, to_address, amount, asset, hold_id, status, signature, valid_until, estimated_fee, actual_fee, fee_due, sponsored, attempts, failure_reason, created_at, updated_at, submitted_at, completed_at`
	chainColumns      = `id, account_id, signature, direction, address, asset, amount, purpose, status, height, entry_id, created_at, updated_at, confirmed_at`
	transferColumns   = `id, sender_id, recipient_identifier, recipient_account_id, asset, amount, hold_id, status, failure_reason, expires_at, created_at, updated_at, completed_at`
)

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return err
}

// reader serves the read side for both the pool and open transactions.
type reader struct {
	q sqlx.ExtContext
}

// --- BalanceReader ------------------------------------------------------------

func (r reader) GetBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error) {
	var bal ledger.Balance
	err := sqlx.GetContext(ctx, r.q, &bal, `
		SELECT `+balanceColumns+`
		FROM ledger_balances
		WHERE account_id = $1 AND asset = $2
	`, accountID, asset)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{AccountID: accountID, Asset: asset}, nil
	}
	return bal, err
}

func (r reader) ListBalances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	var result []ledger.Balance
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+balanceColumns+`
		FROM ledger_balances
		WHERE account_id = $1
		ORDER BY asset
	`, accountID)
	return result, err
}

func (r reader) ListEntries(ctx context.Context, accountID, asset string, limit int) ([]ledger.Entry, error) {
	var result []ledger.Entry
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+entryColumns+`
		FROM (
			SELECT seq, `+entryColumns+`
			FROM ledger_entries
			WHERE account_id = $1 AND asset = $2
			ORDER BY seq DESC
			LIMIT NULLIF($3, 0)
		) recent
		ORDER BY seq
	`, accountID, asset, limit)
	return result, err
}

func (r reader) GetEntryByReference(ctx context.Context, accountID, asset string, kind ledger.Kind, referenceID string) (ledger.Entry, error) {
	var entry ledger.Entry
	err := sqlx.GetContext(ctx, r.q, &entry, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND asset = $2 AND kind = $3 AND reference_id = $4
	`, accountID, asset, kind, referenceID)
	return entry, wrapNotFound(err, "entry", referenceID)
}

// --- HoldReader -----------------------------------------------------------------

func (r reader) GetHold(ctx context.Context, id string) (ledger.Hold, error) {
	var hold ledger.Hold
	err := sqlx.GetContext(ctx, r.q, &hold, `SELECT `+holdColumns+` FROM ledger_holds WHERE id = $1`, id)
	return hold, wrapNotFound(err, "hold", id)
}

func (r reader) ListHolds(ctx context.Context, accountID, asset string, status ledger.HoldStatus) ([]ledger.Hold, error) {
	var result []ledger.Hold
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+holdColumns+`
		FROM ledger_holds
		WHERE account_id = $1
		  AND ($2 = '' OR asset = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at
	`, accountID, asset, status)
	return result, err
}

func (r reader) GetHoldOperation(ctx context.Context, holdID string, kind ledger.HoldOpKind, reference string) (ledger.HoldOperation, error) {
	var op ledger.HoldOperation
	err := sqlx.GetContext(ctx, r.q, &op, `
		SELECT `+holdOpColumns+`
		FROM ledger_hold_operations
		WHERE hold_id = $1 AND kind = $2 AND reference = $3
	`, holdID, kind, reference)
	return op, wrapNotFound(err, "hold operation", holdID)
}

// --- AccountReader --------------------------------------------------------------

func (r reader) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var acct account.Account
	err := sqlx.GetContext(ctx, r.q, &acct, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id)
	return acct, wrapNotFound(err, "account", id)
}

func (r reader) GetAccountByIdentifier(ctx context.Context, identifier string) (account.Account, error) {
	var acct account.Account
	err := sqlx.GetContext(ctx, r.q, &acct, `SELECT `+accountColumns+` FROM ledger_accounts WHERE identifier = $1`, identifier)
	return acct, wrapNotFound(err, "account", identifier)
}

func (r reader) GetAccountByAddress(ctx context.Context, address string) (account.Account, error) {
	var acct account.Account
	err := sqlx.GetContext(ctx, r.q, &acct, `SELECT `+accountColumns+` FROM ledger_accounts WHERE deposit_address = $1`, address)
	return acct, wrapNotFound(err, "account", address)
}

func (r reader) ListDepositAddresses(ctx context.Context) ([]string, error) {
	var result []string
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT deposit_address
		FROM ledger_accounts
		WHERE deposit_address <> ''
		ORDER BY deposit_address
	`)
	return result, err
}

// --- WithdrawalReader -----------------------------------------------------------

func (r reader) GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	var w withdrawal.Withdrawal
	err := sqlx.GetContext(ctx, r.q, &w, `SELECT `+withdrawalColumns+` FROM ledger_withdrawals WHERE id = $1`, id)
	return w, wrapNotFound(err, "withdrawal", id)
}

func (r reader) GetWithdrawalBySignature(ctx context.Context, signature string) (withdrawal.Withdrawal, error) {
	var w withdrawal.Withdrawal
	err := sqlx.GetContext(ctx, r.q, &w, `SELECT `+withdrawalColumns+` FROM ledger_withdrawals WHERE signature = $1 AND signature <> ''`, signature)
	return w, wrapNotFound(err, "withdrawal", signature)
}

func (r reader) ListWithdrawals(ctx context.Context, accountID string) ([]withdrawal.Withdrawal, error) {
	var result []withdrawal.Withdrawal
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+withdrawalColumns+`
		FROM ledger_withdrawals
		WHERE account_id = $1
		ORDER BY created_at
	`, accountID)
	return result, err
}

func (r reader) ListStaleWithdrawals(ctx context.Context, statuses []withdrawal.Status, updatedBefore time.Time, limit int) ([]withdrawal.Withdrawal, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var result []withdrawal.Withdrawal
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+withdrawalColumns+`
		FROM ledger_withdrawals
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT NULLIF($3, 0)
	`, pq.Array(names), updatedBefore, limit)
	return result, err
}

func (r reader) ListFeeDueWithdrawals(ctx context.Context, limit int) ([]withdrawal.Withdrawal, error) {
	var result []withdrawal.Withdrawal
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+withdrawalColumns+`
		FROM ledger_withdrawals
		WHERE fee_due > 0
		ORDER BY updated_at
		LIMIT NULLIF($1, 0)
	`, limit)
	return result, err
}

// --- ChainReader ----------------------------------------------------------------

func (r reader) GetChainTx(ctx context.Context, signature string, direction chaintx.Direction, address string) (chaintx.Record, error) {
	var rec chaintx.Record
	err := sqlx.GetContext(ctx, r.q, &rec, `
		SELECT `+chainColumns+`
		FROM ledger_chain_txs
		WHERE signature = $1 AND direction = $2 AND address = $3
	`, signature, direction, address)
	return rec, wrapNotFound(err, "chain tx", signature)
}

func (r reader) ListChainTxsBySignature(ctx context.Context, signature string) ([]chaintx.Record, error) {
	var result []chaintx.Record
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+chainColumns+`
		FROM ledger_chain_txs
		WHERE signature = $1
		ORDER BY created_at
	`, signature)
	return result, err
}

func (r reader) GetCheckpoint(ctx context.Context, name string) (chaintx.Checkpoint, error) {
	var cp chaintx.Checkpoint
	err := sqlx.GetContext(ctx, r.q, &cp, `SELECT name, position, updated_at FROM ledger_checkpoints WHERE name = $1`, name)
	return cp, wrapNotFound(err, "checkpoint", name)
}

// --- TransferReader -------------------------------------------------------------

func (r reader) GetPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error) {
	var p transfer.PendingTransfer
	err := sqlx.GetContext(ctx, r.q, &p, `SELECT `+transferColumns+` FROM ledger_pending_transfers WHERE id = $1`, id)
	return p, wrapNotFound(err, "pending transfer", id)
}

func (r reader) ListTransfersForRecipient(ctx context.Context, identifier string, status transfer.Status) ([]transfer.PendingTransfer, error) {
	var result []transfer.PendingTransfer
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+transferColumns+`
		FROM ledger_pending_transfers
		WHERE recipient_identifier = $1 AND status = $2
		ORDER BY created_at, id
	`, identifier, status)
	return result, err
}

func (r reader) ListTransfersBySender(ctx context.Context, senderID string) ([]transfer.PendingTransfer, error) {
	var result []transfer.PendingTransfer
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+transferColumns+`
		FROM ledger_pending_transfers
		WHERE sender_id = $1
		ORDER BY created_at, id
	`, senderID)
	return result, err
}

func (r reader) ListTransfersByStatus(ctx context.Context, status transfer.Status, expiresBefore time.Time, limit int) ([]transfer.PendingTransfer, error) {
	var cutoff *time.Time
	if !expiresBefore.IsZero() {
		cutoff = &expiresBefore
	}
	var result []transfer.PendingTransfer
	err := sqlx.SelectContext(ctx, r.q, &result, `
		SELECT `+transferColumns+`
		FROM ledger_pending_transfers
		WHERE status = $1 AND ($2::timestamptz IS NULL OR expires_at <= $2)
		ORDER BY created_at, id
		LIMIT NULLIF($3, 0)
	`, status, cutoff, limit)
	return result, err
}
