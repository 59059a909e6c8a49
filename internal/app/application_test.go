package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/transfer"
	withdrawaldomain "github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/services/transfers"
	"github.com/R3E-Network/custody_ledger/internal/app/services/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/config"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
	"github.com/R3E-Network/custody_ledger/pkg/testutil"
)

func newTestApplication(t *testing.T, mutate func(*config.Config)) (*Application, *testutil.MockLedgerClient) {
	t.Helper()
	cfg := config.Default()
	cfg.Withdrawal.RecheckDelay = 0
	cfg.Transfers.SweepSchedule = "@every 1h"
	if mutate != nil {
		mutate(&cfg)
	}
	client := testutil.NewMockLedgerClient(10)
	application, err := New(cfg, Dependencies{Client: client, Signer: testutil.NewMockSigner()}, logger.NewNop())
	require.NoError(t, err)
	return application, client
}

func TestNewRequiresExternalDependencies(t *testing.T) {
	_, err := New(config.Default(), Dependencies{Signer: testutil.NewMockSigner()}, logger.NewNop())
	assert.Error(t, err)
	_, err = New(config.Default(), Dependencies{Client: testutil.NewMockLedgerClient(0)}, logger.NewNop())
	assert.Error(t, err)
}

func TestOpenRefusesMemoryStoreOutsideDevelopment(t *testing.T) {
	_, err := Open(context.Background(), config.Default(), logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database dsn is required")
}

func TestApplicationLifecycle(t *testing.T) {
	application, _ := newTestApplication(t, nil)
	assert.Equal(t, []string{"withdrawal-expirer", "transfer-sweeper", "indexer"}, application.Services())

	ctx := context.Background()
	require.NoError(t, application.Ready(ctx))
	require.NoError(t, application.Start(ctx))
	assert.True(t, application.Indexer.Status().Running)
	require.NoError(t, application.Stop(ctx))
	assert.False(t, application.Indexer.Status().Running)
	require.NoError(t, application.Close())
}

func TestIndexerDisabledIsNotManaged(t *testing.T) {
	application, _ := newTestApplication(t, func(c *config.Config) { c.Indexer.Enabled = false })
	assert.NotContains(t, application.Services(), "indexer")
}

func TestDepositWithdrawAndPendingTransfer(t *testing.T) {
	ctx := context.Background()
	application, client := newTestApplication(t, nil)

	alice, err := application.Accounts.Register(ctx, "@alice")
	require.NoError(t, err)

	// An inbound transfer to alice's deposit address is credited by the indexer.
	client.AddActivity(chaintx.Activity{
		Signature: "0xdeposit",
		Direction: chaintx.DirectionIn,
		Address:   alice.DepositAddress,
		Asset:     "GAS",
		Amount:    500,
		Outcome:   chaintx.OutcomeConfirmed,
	})
	_, err = application.Indexer.ForceProcess(ctx)
	require.NoError(t, err)
	available, err := application.Ledger.Available(ctx, alice.ID, "GAS")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), available)

	// A withdrawal is held until its transaction is seen on chain.
	wd, err := application.Withdrawals.RequestWithdrawal(ctx, withdrawal.Request{
		AccountID: alice.ID, ToAddress: "Ndestination", Asset: "GAS", Amount: 200,
	})
	require.NoError(t, err)
	require.Equal(t, withdrawaldomain.StatusSubmitted, wd.Status)
	held, err := application.Ledger.Held(ctx, alice.ID, "GAS")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), held)

	client.AddActivity(chaintx.Activity{
		Signature: wd.Signature,
		Direction: chaintx.DirectionOut,
		Address:   alice.DepositAddress,
		Asset:     "GAS",
		Amount:    200,
		Outcome:   chaintx.OutcomeConfirmed,
		Fee:       1500,
	})
	_, err = application.Indexer.ForceProcess(ctx)
	require.NoError(t, err)

	wd, err = application.Withdrawals.GetWithdrawal(ctx, wd.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawaldomain.StatusConfirmed, wd.Status)
	bal, err := application.Ledger.Balance(ctx, alice.ID, "GAS")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)

	// Value sent to an unregistered identifier settles when it registers.
	pt, err := application.Transfers.Create(ctx, transfers.CreateRequest{
		SenderID: alice.ID, RecipientIdentifier: "@bob", Asset: "GAS", Amount: 40,
	})
	require.NoError(t, err)
	require.Equal(t, transfer.StatusPending, pt.Status)

	before := application.Indexer.Status().WatchedAddresses
	bob, err := application.Accounts.Register(ctx, "@bob")
	require.NoError(t, err)
	assert.Equal(t, before+1, application.Indexer.Status().WatchedAddresses)

	pt, err = application.Transfers.Get(ctx, pt.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, pt.Status)

	available, err = application.Ledger.Available(ctx, bob.ID, "GAS")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), available)
	require.NoError(t, application.Ledger.Verify(ctx, alice.ID, "GAS"))
}
