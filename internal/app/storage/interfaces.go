package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("storage: version conflict")
)

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// BalanceReader reads balances and their entry history.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error)
	ListBalances(ctx context.Context, accountID string) ([]ledger.Balance, error)
	ListEntries(ctx context.Context, accountID, asset string, limit int) ([]ledger.Entry, error)
	GetEntryByReference(ctx context.Context, accountID, asset string, kind ledger.Kind, referenceID string) (ledger.Entry, error)
}

// HoldReader reads holds and their resolution records.
type HoldReader interface {
	GetHold(ctx context.Context, id string) (ledger.Hold, error)
	ListHolds(ctx context.Context, accountID, asset string, status ledger.HoldStatus) ([]ledger.Hold, error)
	GetHoldOperation(ctx context.Context, holdID string, kind ledger.HoldOpKind, reference string) (ledger.HoldOperation, error)
}

// AccountReader reads the account directory.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (account.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (account.Account, error)
	ListDepositAddresses(ctx context.Context) ([]string, error)
}

// WithdrawalReader reads withdrawal requests.
type WithdrawalReader interface {
	GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error)
	GetWithdrawalBySignature(ctx context.Context, signature string) (withdrawal.Withdrawal, error)
	ListWithdrawals(ctx context.Context, accountID string) ([]withdrawal.Withdrawal, error)
	ListStaleWithdrawals(ctx context.Context, statuses []withdrawal.Status, updatedBefore time.Time, limit int) ([]withdrawal.Withdrawal, error)
	// ListFeeDueWithdrawals returns finished requests with an unsettled fee,
	// oldest first.
	ListFeeDueWithdrawals(ctx context.Context, limit int) ([]withdrawal.Withdrawal, error)
}

// ChainReader reads reconciled external transactions and checkpoints.
type ChainReader interface {
	GetChainTx(ctx context.Context, signature string, direction chaintx.Direction, address string) (chaintx.Record, error)
	ListChainTxsBySignature(ctx context.Context, signature string) ([]chaintx.Record, error)
	GetCheckpoint(ctx context.Context, name string) (chaintx.Checkpoint, error)
}

// TransferReader reads pending transfers.
type TransferReader interface {
	GetPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error)
	// ListTransfersForRecipient returns transfers addressed to identifier in
	// the given status, oldest first.
	ListTransfersForRecipient(ctx context.Context, identifier string, status transfer.Status) ([]transfer.PendingTransfer, error)
	ListTransfersBySender(ctx context.Context, senderID string) ([]transfer.PendingTransfer, error)
	// ListTransfersByStatus returns transfers in status whose expiry is at or
	// before expiresBefore, oldest first. A zero expiresBefore disables the
	// expiry filter.
	ListTransfersByStatus(ctx context.Context, status transfer.Status, expiresBefore time.Time, limit int) ([]transfer.PendingTransfer, error)
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	BalanceReader
	HoldReader
	AccountReader
	WithdrawalReader
	ChainReader
	TransferReader
}

// Tx is one atomic unit of work. Lock* methods serialize concurrent writers
// on the same row until the unit ends; Insert* methods are upserts keyed by
// the record's natural idempotency key and report whether a new row was
// written (false returns the existing row).
type Tx interface {
	Reader

	LockBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error)
	SaveBalance(ctx context.Context, bal ledger.Balance) (ledger.Balance, error)
	InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, bool, error)

	InsertHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, bool, error)
	LockHold(ctx context.Context, id string) (ledger.Hold, error)
	SaveHold(ctx context.Context, hold ledger.Hold) error
	InsertHoldOperation(ctx context.Context, op ledger.HoldOperation) (ledger.HoldOperation, bool, error)

	InsertAccount(ctx context.Context, acct account.Account) (account.Account, bool, error)

	InsertWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, bool, error)
	LockWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error)
	SaveWithdrawal(ctx context.Context, w withdrawal.Withdrawal) error

	// UpsertChainTx inserts the record or, when it already exists and is not
	// final, advances its status, height and purpose.
	UpsertChainTx(ctx context.Context, rec chaintx.Record) (chaintx.Record, bool, error)
	SaveChainTx(ctx context.Context, rec chaintx.Record) error
	// SaveCheckpoint only ever moves a checkpoint forward.
	SaveCheckpoint(ctx context.Context, cp chaintx.Checkpoint) error

	InsertPendingTransfer(ctx context.Context, p transfer.PendingTransfer) (transfer.PendingTransfer, bool, error)
	LockPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error)
	SavePendingTransfer(ctx context.Context, p transfer.PendingTransfer) error
}

// Store is the persistent store consumed by the ledger core.
type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
