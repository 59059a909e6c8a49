package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/platform/migrations"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetBalanceMissingRowIsZero(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("FROM ledger_balances").
		WithArgs("acct", "GAS").
		WillReturnError(sql.ErrNoRows)

	bal, err := store.GetBalance(context.Background(), "acct", "GAS")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{AccountID: "acct", Asset: "GAS"}, bal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockBalanceSeedsRowThenLocks(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_balances").
		WithArgs("acct", "GAS", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM ledger_balances\\s+WHERE account_id = \\$1 AND asset = \\$2\\s+FOR UPDATE").
		WithArgs("acct", "GAS").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "asset", "available", "held", "version", "updated_at"}).
			AddRow("acct", "GAS", 700, 300, 4, now))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		bal, err := tx.LockBalance(ctx, "acct", "GAS")
		require.NoError(t, err)
		assert.Equal(t, uint64(700), bal.Available)
		assert.Equal(t, uint64(300), bal.Held)
		assert.Equal(t, int64(4), bal.Version)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBalanceStaleVersionIsConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_balances").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.SaveBalance(ctx, ledger.Balance{AccountID: "acct", Asset: "GAS", Available: 1, Version: 2})
		return err
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntryConflictReturnsExisting(t *testing.T) {
	store, mock := newMock(t)
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM ledger_entries").
		WithArgs("acct", "GAS", ledger.KindDeposit, "sig1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "asset", "kind", "delta", "held_delta", "reference_id", "available_after", "held_after", "created_at"}).
			AddRow("entry-1", "acct", "GAS", "DEPOSIT", 500, 0, "sig1", 500, 0, created))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		entry, inserted, err := tx.InsertEntry(ctx, ledger.Entry{
			ID: "entry-2", AccountID: "acct", Asset: "GAS", Kind: ledger.KindDeposit, Delta: 500, ReferenceID: "sig1",
		})
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "entry-1", entry.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.RunInTx(context.Background(), func(context.Context, storage.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("FROM ledger_accounts WHERE identifier").
		WithArgs("@bob").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAccountByIdentifier(context.Background(), "@bob")
	assert.True(t, storage.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChainTxReportsInsert(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_chain_txs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "signature", "direction", "address", "asset", "amount", "purpose", "status", "height", "entry_id", "created_at", "updated_at", "confirmed_at", "inserted"}).
			AddRow("c1", "acct", "sig1", "IN", "NX", "GAS", 500, "DEPOSIT", "CONFIRMED", 10, "", now, now, now, true))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		rec, inserted, err := tx.UpsertChainTx(ctx, chaintx.Record{
			ID: "c1", AccountID: "acct", Signature: "sig1", Direction: chaintx.DirectionIn, Address: "NX",
			Asset: "GAS", Amount: 500, Purpose: chaintx.PurposeDeposit, Status: chaintx.StatusConfirmed, Height: 10,
		})
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, uint64(500), rec.Amount)
		require.NotNil(t, rec.ConfirmedAt)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleWithdrawalsPassesStatusArray(t *testing.T) {
	store, mock := newMock(t)
	cutoff := time.Now().UTC()

	mock.ExpectQuery("status = ANY\\(\\$1\\)").
		WithArgs(`{"SUBMITTED","BUILDING"}`, cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status"}).AddRow("w1", "acct", "SUBMITTED"))

	result, err := store.ListStaleWithdrawals(context.Background(),
		[]withdrawal.Status{withdrawal.StatusSubmitted, withdrawal.StatusBuilding}, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, withdrawal.StatusSubmitted, result[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFeeDueWithdrawals(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("WHERE fee_due > 0\\s+ORDER BY updated_at").
		WithArgs(25).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status", "valid_until", "fee_due"}).
			AddRow("w1", "acct", "COMPLETED", 120, 4))

	result, err := store.ListFeeDueWithdrawals(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, uint64(4), result[0].FeeDue)
	assert.Equal(t, uint64(120), result[0].ValidUntil)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Up(db))

	store := New(db)
	ctx := context.Background()
	now := time.Now().UTC()
	acctID := uuid.NewString()
	identifier := "@it-" + acctID

	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, _, err := tx.InsertAccount(ctx, account.Account{ID: acctID, Identifier: identifier, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, acctID, "GAS")
		if err != nil {
			return err
		}
		bal.Available = 500
		if _, _, err := tx.InsertEntry(ctx, ledger.Entry{
			ID: uuid.NewString(), AccountID: acctID, Asset: "GAS", Kind: ledger.KindDeposit, Delta: 500,
			ReferenceID: "sig-" + acctID, AvailableAfter: 500, CreatedAt: now,
		}); err != nil {
			return err
		}
		_, err = tx.SaveBalance(ctx, bal)
		return err
	})
	require.NoError(t, err)

	bal, err := store.GetBalance(ctx, acctID, "GAS")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), bal.Available)

	entries, err := store.ListEntries(ctx, acctID, "GAS", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	acct, err := store.GetAccountByIdentifier(ctx, identifier)
	require.NoError(t, err)
	assert.Equal(t, acctID, acct.ID)
}
