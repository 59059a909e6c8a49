package indexer

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

const addrA = "Naddr-acct-a"

type fakeClient struct {
	mu        sync.Mutex
	head      uint64
	batches   map[uint64]chaintx.ActivityBatch
	err       error
	calls     []uint64
	addresses []string
}

func (c *fakeClient) Head(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeClient) GetActivitySince(_ context.Context, checkpoint uint64, addresses []string) (chaintx.ActivityBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, checkpoint)
	c.addresses = addresses
	if c.err != nil {
		return chaintx.ActivityBatch{}, c.err
	}
	if batch, ok := c.batches[checkpoint]; ok {
		return batch, nil
	}
	return chaintx.ActivityBatch{Checkpoint: checkpoint, Head: c.head}, nil
}

func (c *fakeClient) Submit(context.Context, chaintx.SignedTransaction) (string, error) {
	return "", stderrors.New("not used")
}

func (c *fakeClient) GetStatus(context.Context, string) (chaintx.Outcome, error) {
	return chaintx.OutcomeUnknown, nil
}

func (c *fakeClient) GetBalance(context.Context, string, string) (uint64, error) { return 0, nil }

type handled struct {
	signature string
	fee       uint64
	reason    string
	confirmed bool
}

type fakeWithdrawals struct {
	mu    sync.Mutex
	known map[string]error
	calls []handled
}

func (w *fakeWithdrawals) handle(call handled) (withdrawal.Withdrawal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
	err, ok := w.known[call.signature]
	if !ok {
		return withdrawal.Withdrawal{}, errors.NotFound("withdrawal signature", call.signature)
	}
	return withdrawal.Withdrawal{Signature: call.signature}, err
}

func (w *fakeWithdrawals) HandleConfirmed(_ context.Context, signature string, fee uint64) (withdrawal.Withdrawal, error) {
	return w.handle(handled{signature: signature, fee: fee, confirmed: true})
}

func (w *fakeWithdrawals) HandleFailed(_ context.Context, signature string, fee uint64, reason string) (withdrawal.Withdrawal, error) {
	return w.handle(handled{signature: signature, fee: fee, reason: reason})
}

type harness struct {
	store       *memory.Store
	ledger      *ledger.Service
	client      *fakeClient
	withdrawals *fakeWithdrawals
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:       memory.New(),
		client:      &fakeClient{head: 100, batches: map[uint64]chaintx.ActivityBatch{}},
		withdrawals: &fakeWithdrawals{known: map[string]error{}},
	}
	h.ledger = ledger.New(h.store, logger.NewNop())
	require.NoError(t, h.store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, _, err := tx.InsertAccount(ctx, account.Account{ID: "acct-a", Identifier: "@alice", DepositAddress: addrA})
		return err
	}))
	return h
}

func (h *harness) indexer(cfg Config) *Indexer {
	return New(h.store, h.ledger, h.client, h.withdrawals, cfg, logger.NewNop())
}

func (h *harness) available(t *testing.T, asset string) uint64 {
	t.Helper()
	amount, err := h.ledger.Available(context.Background(), "acct-a", asset)
	require.NoError(t, err)
	return amount
}

func deposit(sig string, amount, height uint64) chaintx.Activity {
	return chaintx.Activity{
		Signature: sig,
		Direction: chaintx.DirectionIn,
		Address:   addrA,
		Asset:     "GAS",
		Amount:    amount,
		Height:    height,
		Outcome:   chaintx.OutcomeConfirmed,
	}
}

func TestRedeliveredDepositIsCreditedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.batches[0] = chaintx.ActivityBatch{Activities: []chaintx.Activity{deposit("sig1", 500, 3)}, Checkpoint: 5, Head: 100}
	// A restart that lost the checkpoint would observe sig1 again.
	h.client.batches[5] = chaintx.ActivityBatch{Activities: []chaintx.Activity{deposit("sig1", 500, 3)}, Checkpoint: 10, Head: 100}

	ix := h.indexer(Config{StartHeight: 1})
	res, err := ix.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, uint64(5), res.Checkpoint)
	assert.Equal(t, uint64(500), h.available(t, "GAS"))

	restarted := h.indexer(Config{StartHeight: 1})
	res, err = restarted.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.Checkpoint)
	assert.Equal(t, uint64(500), h.available(t, "GAS"))

	res, err = restarted.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, uint64(500), h.available(t, "GAS"))
	assert.Equal(t, []uint64{0, 5, 10}, h.client.calls)

	rec, err := h.store.GetChainTx(ctx, "sig1", chaintx.DirectionIn, addrA)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", rec.AccountID)
	assert.Equal(t, chaintx.PurposeDeposit, rec.Purpose)
	assert.Equal(t, chaintx.StatusConfirmed, rec.Status)
	assert.NotEmpty(t, rec.EntryID)
	require.NoError(t, h.ledger.Verify(ctx, "acct-a", "GAS"))
}

func TestSplitTransfersToOneAddressAreSummed(t *testing.T) {
	h := newHarness(t)
	h.client.batches[0] = chaintx.ActivityBatch{
		Activities: []chaintx.Activity{deposit("sig1", 200, 3), deposit("sig1", 300, 3)},
		Checkpoint: 5,
	}

	_, err := h.indexer(Config{StartHeight: 1}).ForceProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), h.available(t, "GAS"))
}

func TestDepositToUnknownAddressIsUnattributed(t *testing.T) {
	h := newHarness(t)
	act := deposit("sig9", 42, 2)
	act.Address = "Nstranger"
	h.client.batches[0] = chaintx.ActivityBatch{Activities: []chaintx.Activity{act}, Checkpoint: 2}

	_, err := h.indexer(Config{StartHeight: 1}).ForceProcess(context.Background())
	require.NoError(t, err)

	rec, err := h.store.GetChainTx(context.Background(), "sig9", chaintx.DirectionIn, "Nstranger")
	require.NoError(t, err)
	assert.Equal(t, chaintx.PurposeUnattributed, rec.Purpose)
	assert.Empty(t, rec.EntryID)
	assert.Equal(t, uint64(0), h.available(t, "GAS"))
}

func TestOutgoingActivitySettlesWithdrawals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.withdrawals.known["0xconfirmed"] = nil
	h.withdrawals.known["0xfaulted"] = nil
	h.withdrawals.known["0xlate"] = errors.ReconciliationConflict("withdrawal %s is already %s", "w-1", "EXPIRED")

	h.client.batches[0] = chaintx.ActivityBatch{
		Activities: []chaintx.Activity{
			{Signature: "0xconfirmed", Direction: chaintx.DirectionOut, Address: addrA, Asset: "GAS", Amount: 300, Fee: 12, Outcome: chaintx.OutcomeConfirmed},
			{Signature: "0xfaulted", Direction: chaintx.DirectionOut, Address: addrA, Fee: 9, Reason: "ASSERT failed", Outcome: chaintx.OutcomeFailed},
			{Signature: "0xlate", Direction: chaintx.DirectionOut, Address: addrA, Asset: "GAS", Amount: 5, Outcome: chaintx.OutcomeConfirmed},
			{Signature: "0xrogue", Direction: chaintx.DirectionOut, Address: addrA, Asset: "GAS", Amount: 7, Outcome: chaintx.OutcomeConfirmed},
		},
		Checkpoint: 4,
	}

	ix := h.indexer(Config{StartHeight: 1})
	res, err := ix.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, uint64(1), ix.Status().Conflicts)

	require.Len(t, h.withdrawals.calls, 4)
	assert.Equal(t, handled{signature: "0xconfirmed", fee: 12, confirmed: true}, h.withdrawals.calls[0])
	assert.Equal(t, handled{signature: "0xfaulted", fee: 9, reason: "ASSERT failed"}, h.withdrawals.calls[1])

	rogue, err := h.store.GetChainTx(ctx, "0xrogue", chaintx.DirectionOut, addrA)
	require.NoError(t, err)
	assert.Equal(t, chaintx.PurposeUnattributed, rogue.Purpose)

	confirmed, err := h.store.GetChainTx(ctx, "0xconfirmed", chaintx.DirectionOut, addrA)
	require.NoError(t, err)
	assert.Equal(t, chaintx.PurposeWithdrawal, confirmed.Purpose)
	assert.Equal(t, chaintx.StatusConfirmed, confirmed.Status)

	faulted, err := h.store.GetChainTx(ctx, "0xfaulted", chaintx.DirectionOut, addrA)
	require.NoError(t, err)
	assert.Equal(t, chaintx.StatusFailed, faulted.Status)
}

func TestFailedBatchDoesNotAdvanceCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.withdrawals.known["0xw"] = errors.Internal("store unavailable", nil)
	h.client.batches[0] = chaintx.ActivityBatch{
		Activities: []chaintx.Activity{
			deposit("sig1", 500, 2),
			{Signature: "0xw", Direction: chaintx.DirectionOut, Address: addrA, Asset: "GAS", Amount: 1, Outcome: chaintx.OutcomeConfirmed},
		},
		Checkpoint: 3,
	}

	ix := h.indexer(Config{StartHeight: 1})
	_, err := ix.ForceProcess(ctx)
	require.Error(t, err)

	st := ix.Status()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.LastError)
	_, err = h.store.GetCheckpoint(ctx, "neo")
	assert.True(t, storage.IsNotFound(err))

	// The deposit before the failure is durable; re-processing the batch
	// must not credit it again.
	h.withdrawals.known["0xw"] = nil
	res, err := ix.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Checkpoint)
	assert.Equal(t, uint64(500), h.available(t, "GAS"))

	st = ix.Status()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, uint64(2), st.Cycles)

	cp, err := h.store.GetCheckpoint(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp.Position)
}

func TestUnapplicableDepositIsRejectedAndSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Credit(ctx, ledger.PostingRequest{AccountID: "acct-a", Asset: "GAS", Amount: math.MaxInt64 - 10, ReferenceID: "seed"})
	require.NoError(t, err)

	neo := deposit("signeo", 7, 2)
	neo.Asset = "NEO"
	h.client.batches[0] = chaintx.ActivityBatch{
		Activities: []chaintx.Activity{deposit("sigbig", 500, 2), neo},
		Checkpoint: 3,
	}
	h.client.batches[3] = chaintx.ActivityBatch{Activities: []chaintx.Activity{deposit("sig2", 5, 4)}, Checkpoint: 6}

	ix := h.indexer(Config{StartHeight: 1})
	res, err := ix.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, uint64(3), res.Checkpoint)

	rec, err := h.store.GetChainTx(ctx, "sigbig", chaintx.DirectionIn, addrA)
	require.NoError(t, err)
	assert.Equal(t, chaintx.PurposeRejected, rec.Purpose)
	assert.Equal(t, "acct-a", rec.AccountID)
	assert.Empty(t, rec.EntryID)
	assert.Equal(t, uint64(math.MaxInt64-10), h.available(t, "GAS"))
	assert.Equal(t, uint64(7), h.available(t, "NEO"))

	res, err = ix.ForceProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rejected)
	assert.Equal(t, uint64(6), res.Checkpoint)
	assert.Equal(t, uint64(math.MaxInt64-5), h.available(t, "GAS"))

	st := ix.Status()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(0), st.Errors)
	require.NoError(t, h.ledger.Verify(ctx, "acct-a", "GAS"))
}

func TestFetchFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.client.err = stderrors.New("connection refused")

	ix := h.indexer(Config{StartHeight: 1, Interval: time.Second})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ix.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		_, err := ix.ForceProcess(context.Background())
		require.Error(t, err)
	}
	delay := ix.nextDelay()
	assert.GreaterOrEqual(t, delay, 3*time.Second)

	st := ix.Status()
	assert.Equal(t, 3, st.ConsecutiveFailures)
	require.NotNil(t, st.NextRetryAt)
	assert.Equal(t, fixed.Add(delay), *st.NextRetryAt)
	assert.Contains(t, st.LastError, "connection refused")

	h.client.err = nil
	_, err := ix.ForceProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, ix.nextDelay())
	assert.Nil(t, ix.Status().NextRetryAt)
}

func TestCheckpointSeedsFromHead(t *testing.T) {
	h := newHarness(t)
	h.client.head = 777

	_, err := h.indexer(Config{}).ForceProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{777}, h.client.calls)
}

func TestLifecycleAndWatchSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ix := h.indexer(Config{StartHeight: 1, Interval: time.Hour, Addresses: []string{"Nstatic"}})

	require.NoError(t, ix.Start(ctx))
	require.NoError(t, ix.Start(ctx))
	assert.True(t, ix.Status().Running)
	assert.Error(t, ix.Configure(Config{Interval: time.Minute}))

	ix.Watch("Nlate", " ")
	assert.Equal(t, 3, ix.Status().WatchedAddresses)

	require.NoError(t, ix.Stop(ctx))
	require.NoError(t, ix.Stop(ctx))
	assert.False(t, ix.Status().Running)
	require.NoError(t, ix.Configure(Config{StartHeight: 1, Interval: time.Minute}))

	_, err := ix.ForceProcess(ctx)
	require.NoError(t, err)
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	assert.Equal(t, []string{addrA, "Nlate", "Nstatic"}, h.client.addresses)
}
