package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
)

// Store is an in-memory implementation of storage.Store. It is safe for
// concurrent use but not durable: everything is lost when the process
// exits, so it is only for tests and local development. Units of
// work are serialized by one mutex and rolled back by restoring a snapshot.
type Store struct {
	mu    sync.RWMutex
	state *state
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// RunInTx runs fn with exclusive access. Any error discards fn's writes.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &txn{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) read() (*state, func()) {
	s.mu.RLock()
	return s.state, s.mu.RUnlock
}

// BalanceReader -----------------------------------------------------------------

func (s *Store) GetBalance(ctx context.Context, accountID, asset string) (ledger.Balance, error) {
	st, done := s.read()
	defer done()
	return st.GetBalance(ctx, accountID, asset)
}

func (s *Store) ListBalances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	st, done := s.read()
	defer done()
	return st.ListBalances(ctx, accountID)
}

func (s *Store) ListEntries(ctx context.Context, accountID, asset string, limit int) ([]ledger.Entry, error) {
	st, done := s.read()
	defer done()
	return st.ListEntries(ctx, accountID, asset, limit)
}

func (s *Store) GetEntryByReference(ctx context.Context, accountID, asset string, kind ledger.Kind, referenceID string) (ledger.Entry, error) {
	st, done := s.read()
	defer done()
	return st.GetEntryByReference(ctx, accountID, asset, kind, referenceID)
}

// HoldReader --------------------------------------------------------------------

func (s *Store) GetHold(ctx context.Context, id string) (ledger.Hold, error) {
	st, done := s.read()
	defer done()
	return st.GetHold(ctx, id)
}

func (s *Store) ListHolds(ctx context.Context, accountID, asset string, status ledger.HoldStatus) ([]ledger.Hold, error) {
	st, done := s.read()
	defer done()
	return st.ListHolds(ctx, accountID, asset, status)
}

func (s *Store) GetHoldOperation(ctx context.Context, holdID string, kind ledger.HoldOpKind, reference string) (ledger.HoldOperation, error) {
	st, done := s.read()
	defer done()
	return st.GetHoldOperation(ctx, holdID, kind, reference)
}

// AccountReader -----------------------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	st, done := s.read()
	defer done()
	return st.GetAccount(ctx, id)
}

func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (account.Account, error) {
	st, done := s.read()
	defer done()
	return st.GetAccountByIdentifier(ctx, identifier)
}

func (s *Store) GetAccountByAddress(ctx context.Context, address string) (account.Account, error) {
	st, done := s.read()
	defer done()
	return st.GetAccountByAddress(ctx, address)
}

func (s *Store) ListDepositAddresses(ctx context.Context) ([]string, error) {
	st, done := s.read()
	defer done()
	return st.ListDepositAddresses(ctx)
}

// WithdrawalReader --------------------------------------------------------------

func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	st, done := s.read()
	defer done()
	return st.GetWithdrawal(ctx, id)
}

func (s *Store) GetWithdrawalBySignature(ctx context.Context, signature string) (withdrawal.Withdrawal, error) {
	st, done := s.read()
	defer done()
	return st.GetWithdrawalBySignature(ctx, signature)
}

func (s *Store) ListWithdrawals(ctx context.Context, accountID string) ([]withdrawal.Withdrawal, error) {
	st, done := s.read()
	defer done()
	return st.ListWithdrawals(ctx, accountID)
}

func (s *Store) ListStaleWithdrawals(ctx context.Context, statuses []withdrawal.Status, updatedBefore time.Time, limit int) ([]withdrawal.Withdrawal, error) {
	st, done := s.read()
	defer done()
	return st.ListStaleWithdrawals(ctx, statuses, updatedBefore, limit)
}

func (s *Store) ListFeeDueWithdrawals(ctx context.Context, limit int) ([]withdrawal.Withdrawal, error) {
	st, done := s.read()
	defer done()
	return st.ListFeeDueWithdrawals(ctx, limit)
}

// ChainReader -------------------------------------------------------------------

func (s *Store) GetChainTx(ctx context.Context, signature string, direction chaintx.Direction, address string) (chaintx.Record, error) {
	st, done := s.read()
	defer done()
	return st.GetChainTx(ctx, signature, direction, address)
}

func (s *Store) ListChainTxsBySignature(ctx context.Context, signature string) ([]chaintx.Record, error) {
	st, done := s.read()
	defer done()
	return st.ListChainTxsBySignature(ctx, signature)
}

func (s *Store) GetCheckpoint(ctx context.Context, name string) (chaintx.Checkpoint, error) {
	st, done := s.read()
	defer done()
	return st.GetCheckpoint(ctx, name)
}

// TransferReader ----------------------------------------------------------------

func (s *Store) GetPendingTransfer(ctx context.Context, id string) (transfer.PendingTransfer, error) {
	st, done := s.read()
	defer done()
	return st.GetPendingTransfer(ctx, id)
}

func (s *Store) ListTransfersForRecipient(ctx context.Context, identifier string, status transfer.Status) ([]transfer.PendingTransfer, error) {
	st, done := s.read()
	defer done()
	return st.ListTransfersForRecipient(ctx, identifier, status)
}

func (s *Store) ListTransfersBySender(ctx context.Context, senderID string) ([]transfer.PendingTransfer, error) {
	st, done := s.read()
	defer done()
	return st.ListTransfersBySender(ctx, senderID)
}

func (s *Store) ListTransfersByStatus(ctx context.Context, status transfer.Status, expiresBefore time.Time, limit int) ([]transfer.PendingTransfer, error) {
	st, done := s.read()
	defer done()
	return st.ListTransfersByStatus(ctx, status, expiresBefore, limit)
}

// state -------------------------------------------------------------------------

type balanceKey struct{ account, asset string }

type entryKey struct {
	account, asset string
	kind           ledger.Kind
	reference      string
}

type holdRefKey struct {
	account, asset string
	purpose        ledger.HoldPurpose
	reference      string
}

type holdOpKey struct {
	hold      string
	kind      ledger.HoldOpKind
	reference string
}

type chainKey struct {
	signature string
	direction chaintx.Direction
	address   string
}

type state struct {
	balances             map[balanceKey]ledger.Balance
	entries              map[balanceKey][]ledger.Entry
	entryIndex           map[entryKey]ledger.Entry
	holds                map[string]ledger.Hold
	holdRefs             map[holdRefKey]string
	holdOps              map[holdOpKey]ledger.HoldOperation
	accounts             map[string]account.Account
	accountsByIdentifier map[string]string
	accountsByAddress    map[string]string
	withdrawals          map[string]withdrawal.Withdrawal
	withdrawalsBySig     map[string]string
	chainTxs             map[chainKey]chaintx.Record
	chainOrder           []chainKey
	checkpoints          map[string]chaintx.Checkpoint
	transfers            map[string]transfer.PendingTransfer
}

func newState() *state {
	return &state{
		balances:             make(map[balanceKey]ledger.Balance),
		entries:              make(map[balanceKey][]ledger.Entry),
		entryIndex:           make(map[entryKey]ledger.Entry),
		holds:                make(map[string]ledger.Hold),
		holdRefs:             make(map[holdRefKey]string),
		holdOps:              make(map[holdOpKey]ledger.HoldOperation),
		accounts:             make(map[string]account.Account),
		accountsByIdentifier: make(map[string]string),
		accountsByAddress:    make(map[string]string),
		withdrawals:          make(map[string]withdrawal.Withdrawal),
		withdrawalsBySig:     make(map[string]string),
		chainTxs:             make(map[chainKey]chaintx.Record),
		checkpoints:          make(map[string]chaintx.Checkpoint),
		transfers:            make(map[string]transfer.PendingTransfer),
	}
}

func (st *state) clone() *state {
	return &state{
		balances:             maps.Clone(st.balances),
		entries:              maps.Clone(st.entries),
		entryIndex:           maps.Clone(st.entryIndex),
		holds:                maps.Clone(st.holds),
		holdRefs:             maps.Clone(st.holdRefs),
		holdOps:              maps.Clone(st.holdOps),
		accounts:             maps.Clone(st.accounts),
		accountsByIdentifier: maps.Clone(st.accountsByIdentifier),
		accountsByAddress:    maps.Clone(st.accountsByAddress),
		withdrawals:          maps.Clone(st.withdrawals),
		withdrawalsBySig:     maps.Clone(st.withdrawalsBySig),
		chainTxs:             maps.Clone(st.chainTxs),
		chainOrder:           st.chainOrder[:len(st.chainOrder):len(st.chainOrder)],
		checkpoints:          maps.Clone(st.checkpoints),
		transfers:            maps.Clone(st.transfers),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
}

func (st *state) GetBalance(_ context.Context, accountID, asset string) (ledger.Balance, error) {
	bal, ok := st.balances[balanceKey{accountID, asset}]
	if !ok {
		return ledger.Balance{AccountID: accountID, Asset: asset}, nil
	}
	return bal, nil
}

func (st *state) ListBalances(_ context.Context, accountID string) ([]ledger.Balance, error) {
	var result []ledger.Balance
	for key, bal := range st.balances {
		if key.account == accountID {
			result = append(result, bal)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (st *state) ListEntries(_ context.Context, accountID, asset string, limit int) ([]ledger.Entry, error) {
	entries := st.entries[balanceKey{accountID, asset}]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]ledger.Entry(nil), entries...), nil
}

func (st *state) GetEntryByReference(_ context.Context, accountID, asset string, kind ledger.Kind, referenceID string) (ledger.Entry, error) {
	entry, ok := st.entryIndex[entryKey{accountID, asset, kind, referenceID}]
	if !ok {
		return ledger.Entry{}, notFound("entry", referenceID)
	}
	return entry, nil
}

func (st *state) GetHold(_ context.Context, id string) (ledger.Hold, error) {
	hold, ok := st.holds[id]
	if !ok {
		return ledger.Hold{}, notFound("hold", id)
	}
	return hold, nil
}

func (st *state) ListHolds(_ context.Context, accountID, asset string, status ledger.HoldStatus) ([]ledger.Hold, error) {
	var result []ledger.Hold
	for _, hold := range st.holds {
		if hold.AccountID != accountID {
			continue
		}
		if asset != "" && hold.Asset != asset {
			continue
		}
		if status != "" && hold.Status != status {
			continue
		}
		result = append(result, hold)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (st *state) GetHoldOperation(_ context.Context, holdID string, kind ledger.HoldOpKind, reference string) (ledger.HoldOperation, error) {
	op, ok := st.holdOps[holdOpKey{holdID, kind, reference}]
	if !ok {
		return ledger.HoldOperation{}, notFound("hold operation", holdID)
	}
	return op, nil
}

func (st *state) GetAccount(_ context.Context, id string) (account.Account, error) {
	acct, ok := st.accounts[id]
	if !ok {
		return account.Account{}, notFound("account", id)
	}
	return acct, nil
}

func (st *state) GetAccountByIdentifier(ctx context.Context, identifier string) (account.Account, error) {
	id, ok := st.accountsByIdentifier[identifier]
	if !ok {
		return account.Account{}, notFound("account", identifier)
	}
	return st.GetAccount(ctx, id)
}

func (st *state) GetAccountByAddress(ctx context.Context, address string) (account.Account, error) {
	id, ok := st.accountsByAddress[address]
	if !ok {
		return account.Account{}, notFound("account", address)
	}
	return st.GetAccount(ctx, id)
}

func (st *state) ListDepositAddresses(_ context.Context) ([]string, error) {
	result := make([]string, 0, len(st.accountsByAddress))
	for addr := range st.accountsByAddress {
		result = append(result, addr)
	}
	sort.Strings(result)
	return result, nil
}

func (st *state) GetWithdrawal(_ context.Context, id string) (withdrawal.Withdrawal, error) {
	w, ok := st.withdrawals[id]
	if !ok {
		return withdrawal.Withdrawal{}, notFound("withdrawal", id)
	}
	return w, nil
}

func (st *state) GetWithdrawalBySignature(ctx context.Context, signature string) (withdrawal.Withdrawal, error) {
	id, ok := st.withdrawalsBySig[signature]
	if !ok {
		return withdrawal.Withdrawal{}, notFound("withdrawal", signature)
	}
	return st.GetWithdrawal(ctx, id)
}

func (st *state) ListWithdrawals(_ context.Context, accountID string) ([]withdrawal.Withdrawal, error) {
	var result []withdrawal.Withdrawal
	for _, w := range st.withdrawals {
		if w.AccountID == accountID {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (st *state) ListStaleWithdrawals(_ context.Context, statuses []withdrawal.Status, updatedBefore time.Time, limit int) ([]withdrawal.Withdrawal, error) {
	wanted := make(map[withdrawal.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var result []withdrawal.Withdrawal
	for _, w := range st.withdrawals {
		if wanted[w.Status] && w.UpdatedAt.Before(updatedBefore) {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (st *state) ListFeeDueWithdrawals(_ context.Context, limit int) ([]withdrawal.Withdrawal, error) {
	var result []withdrawal.Withdrawal
	for _, w := range st.withdrawals {
		if w.FeeDue > 0 {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (st *state) GetChainTx(_ context.Context, signature string, direction chaintx.Direction, address string) (chaintx.Record, error) {
	rec, ok := st.chainTxs[chainKey{signature, direction, address}]
	if !ok {
		return chaintx.Record{}, notFound("chain tx", signature)
	}
	return rec, nil
}

func (st *state) ListChainTxsBySignature(_ context.Context, signature string) ([]chaintx.Record, error) {
	var result []chaintx.Record
	for _, key := range st.chainOrder {
		if key.signature == signature {
			result = append(result, st.chainTxs[key])
		}
	}
	return result, nil
}

func (st *state) GetCheckpoint(_ context.Context, name string) (chaintx.Checkpoint, error) {
	cp, ok := st.checkpoints[name]
	if !ok {
		return chaintx.Checkpoint{}, notFound("checkpoint", name)
	}
	return cp, nil
}

func (st *state) GetPendingTransfer(_ context.Context, id string) (transfer.PendingTransfer, error) {
	p, ok := st.transfers[id]
	if !ok {
		return transfer.PendingTransfer{}, notFound("pending transfer", id)
	}
	return p, nil
}

func (st *state) ListTransfersForRecipient(_ context.Context, identifier string, status transfer.Status) ([]transfer.PendingTransfer, error) {
	return st.filterTransfers(func(p transfer.PendingTransfer) bool {
		return p.RecipientIdentifier == identifier && p.Status == status
	}, 0), nil
}

func (st *state) ListTransfersBySender(_ context.Context, senderID string) ([]transfer.PendingTransfer, error) {
	return st.filterTransfers(func(p transfer.PendingTransfer) bool {
		return p.SenderID == senderID
	}, 0), nil
}

func (st *state) ListTransfersByStatus(_ context.Context, status transfer.Status, expiresBefore time.Time, limit int) ([]transfer.PendingTransfer, error) {
	return st.filterTransfers(func(p transfer.PendingTransfer) bool {
		if p.Status != status {
			return false
		}
		return expiresBefore.IsZero() || !p.ExpiresAt.After(expiresBefore)
	}, limit), nil
}

func (st *state) filterTransfers(match func(transfer.PendingTransfer) bool, limit int) []transfer.PendingTransfer {
	var result []transfer.PendingTransfer
	for _, p := range st.transfers {
		if match(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
