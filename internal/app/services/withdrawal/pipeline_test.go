package withdrawal

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	ledgerdomain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	sponsordomain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/internal/resilience"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

const (
	dest = "NdestinationAddress"
	// validUntil is the last block that can include a fake-signed transaction.
	validUntil = 50
)

type fakeSigner struct {
	mu      sync.Mutex
	intents []chaintx.TransferIntent
	err     error
}

func (s *fakeSigner) Sign(_ context.Context, intent chaintx.TransferIntent) (chaintx.SignedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return chaintx.SignedTransaction{}, s.err
	}
	s.intents = append(s.intents, intent)
	return chaintx.SignedTransaction{
		Hash:       fmt.Sprintf("0xsig%d", len(s.intents)),
		Raw:        []byte{byte(len(s.intents))},
		SystemFee:  7,
		NetworkFee: 3,
		Sponsored:  intent.SponsorFees,
		ValidUntil: validUntil,
	}, nil
}

func (s *fakeSigner) AddressFor(accountID string) (string, error) { return "Naddr-" + accountID, nil }

func (s *fakeSigner) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "N") {
		return stderrors.New("bad address")
	}
	return nil
}

type fakeClient struct {
	mu           sync.Mutex
	head         uint64
	balances     []uint64
	balanceReads int
	submitErrs   []error
	submitted    int
	statuses     map[string]chaintx.Outcome
}

func (c *fakeClient) Head(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeClient) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeClient) GetActivitySince(context.Context, uint64, []string) (chaintx.ActivityBatch, error) {
	return chaintx.ActivityBatch{}, nil
}

func (c *fakeClient) Submit(_ context.Context, tx chaintx.SignedTransaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted++
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return tx.Hash, nil
}

func (c *fakeClient) GetStatus(_ context.Context, signature string) (chaintx.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if out, ok := c.statuses[signature]; ok {
		return out, nil
	}
	return chaintx.OutcomeUnknown, nil
}

func (c *fakeClient) GetBalance(context.Context, string, string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceReads++
	if len(c.balances) == 0 {
		return 1 << 62, nil
	}
	bal := c.balances[0]
	if len(c.balances) > 1 {
		c.balances = c.balances[1:]
	}
	return bal, nil
}

type fakeSponsor struct {
	allow     bool
	recorded  map[string]uint64
	recordErr error
}

func (s *fakeSponsor) CanSponsor(context.Context, string, string) (bool, error) { return s.allow, nil }
func (s *fakeSponsor) EstimateFee(string) uint64                                { return 10 }

func (s *fakeSponsor) RecordSponsorship(_ context.Context, _ string, reference string, fee uint64) (sponsordomain.Usage, error) {
	if s.recordErr != nil {
		return sponsordomain.Usage{}, s.recordErr
	}
	if s.recorded == nil {
		s.recorded = make(map[string]uint64)
	}
	s.recorded[reference] = fee
	return sponsordomain.Usage{}, nil
}

type harness struct {
	store    *memory.Store
	ledger   *ledger.Service
	signer   *fakeSigner
	client   *fakeClient
	sponsor  *fakeSponsor
	pipeline *Pipeline
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		signer:  &fakeSigner{},
		client:  &fakeClient{statuses: map[string]chaintx.Outcome{}},
		sponsor: &fakeSponsor{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ledger = ledger.New(h.store, logger.NewNop())
	h.pipeline = New(h.store, h.ledger, h.signer, h.client, h.sponsor, Config{
		RecheckDelay: 0,
		Submit:       resilience.Policy{MaxAttempts: 3},
	}, logger.NewNop())
	h.pipeline.now = func() time.Time { return h.now }

	ctx := context.Background()
	require.NoError(t, h.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, _, err := tx.InsertAccount(ctx, account.Account{ID: "acct-a", Identifier: "@alice", DepositAddress: "Naddr-acct-a"})
		return err
	}))
	_, err := h.ledger.Credit(ctx, ledger.PostingRequest{AccountID: "acct-a", Asset: "GAS", Amount: 1000, ReferenceID: "seed"})
	require.NoError(t, err)
	return h
}

func (h *harness) balance(t *testing.T) ledgerdomain.Balance {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), "acct-a", "GAS")
	require.NoError(t, err)
	return bal
}

func request(amount uint64) Request {
	return Request{AccountID: "acct-a", ToAddress: dest, Asset: "gas", Amount: amount}
}

func TestRequestWithdrawalSubmitsAndConfirms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, w.Status)
	assert.Equal(t, "0xsig1", w.Signature)
	assert.Equal(t, "GAS", w.Asset)
	assert.Equal(t, uint64(10), w.EstimatedFee)
	assert.Equal(t, 1, w.Attempts)
	require.NotNil(t, w.SubmittedAt)
	assert.Equal(t, ledgerdomain.Balance{AccountID: "acct-a", Asset: "GAS", Available: 700, Held: 300}, strip(h.balance(t)))

	intent := h.signer.intents[0]
	assert.Equal(t, "Naddr-acct-a", intent.FromAddress)
	assert.Equal(t, w.ID, intent.Reference)
	assert.False(t, intent.SponsorFees)

	confirmed, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	assert.Equal(t, uint64(10), confirmed.ActualFee)

	bal := h.balance(t)
	assert.Equal(t, uint64(690), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)

	again, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, again.Status)
	assert.Equal(t, uint64(690), h.balance(t).Available)

	hold, err := h.ledger.GetHold(ctx, w.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.HoldConsumed, hold.Status)
	require.NoError(t, h.ledger.Verify(ctx, "acct-a", "GAS"))
}

func strip(b ledgerdomain.Balance) ledgerdomain.Balance {
	return ledgerdomain.Balance{AccountID: b.AccountID, Asset: b.Asset, Available: b.Available, Held: b.Held}
}

func TestRejectedSubmissionReleasesHold(t *testing.T) {
	h := newHarness(t)
	h.client.submitErrs = []error{fmt.Errorf("%w: insufficient network fee", chaintx.ErrRejected)}

	w, err := h.pipeline.RequestWithdrawal(context.Background(), request(300))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeExternalSubmissionFailed))
	assert.Equal(t, domain.StatusFailed, w.Status)
	assert.Equal(t, 1, h.client.submitted)

	bal := h.balance(t)
	assert.Equal(t, uint64(1000), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)
}

func TestTransientSubmissionIsRetried(t *testing.T) {
	h := newHarness(t)
	h.client.submitErrs = []error{stderrors.New("connection reset"), nil}

	w, err := h.pipeline.RequestWithdrawal(context.Background(), request(100))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, w.Status)
	assert.Equal(t, 2, w.Attempts)
	assert.Equal(t, 2, h.client.submitted)
}

func TestInsufficientFundsAbortsBeforeExternalWork(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.RequestWithdrawal(context.Background(), request(5000))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInsufficientFunds))
	assert.Zero(t, h.client.balanceReads)
	assert.Zero(t, h.client.submitted)
	assert.Empty(t, h.signer.intents)

	list, err := h.pipeline.ListWithdrawals(context.Background(), "acct-a")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOnChainBalanceIsRecheckedOnce(t *testing.T) {
	t.Run("recovers on second read", func(t *testing.T) {
		h := newHarness(t)
		h.client.balances = []uint64{0, 300}

		w, err := h.pipeline.RequestWithdrawal(context.Background(), request(300))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSubmitted, w.Status)
		assert.Equal(t, 2, h.client.balanceReads)
	})

	t.Run("fails when still short", func(t *testing.T) {
		h := newHarness(t)
		h.client.balances = []uint64{100}

		w, err := h.pipeline.RequestWithdrawal(context.Background(), request(300))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInsufficientFunds))
		assert.Equal(t, domain.StatusFailed, w.Status)
		assert.Equal(t, 2, h.client.balanceReads)
		assert.Zero(t, h.client.submitted)
		assert.Equal(t, uint64(1000), h.balance(t).Available)
	})
}

func TestRequestIDReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request(200)
	req.RequestID = "wd-1"

	first, err := h.pipeline.RequestWithdrawal(ctx, req)
	require.NoError(t, err)
	second, err := h.pipeline.RequestWithdrawal(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.client.submitted)
	assert.Equal(t, uint64(800), h.balance(t).Available)

	req.Amount = 201
	_, err = h.pipeline.RequestWithdrawal(ctx, req)
	assert.True(t, errors.HasCode(err, errors.CodeDuplicateOperation))
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  Request
		code errors.Code
	}{
		{"missing account", Request{ToAddress: dest, Asset: "GAS", Amount: 1}, errors.CodeInvalidArgument},
		{"zero amount", Request{AccountID: "acct-a", ToAddress: dest, Asset: "GAS"}, errors.CodeInvalidArgument},
		{"bad address", Request{AccountID: "acct-a", ToAddress: "0xnope", Asset: "GAS", Amount: 1}, errors.CodeInvalidArgument},
		{"unknown account", Request{AccountID: "ghost", ToAddress: dest, Asset: "GAS", Amount: 1}, errors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.RequestWithdrawal(context.Background(), tt.req)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestHandleFailedReleasesHoldAndChargesFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.NoError(t, err)

	failed, err := h.pipeline.HandleFailed(ctx, w.Signature, 4, "ASSERT failed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "ASSERT failed", failed.FailureReason)

	bal := h.balance(t)
	assert.Equal(t, uint64(996), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)

	_, err = h.pipeline.HandleConfirmed(ctx, w.Signature, 4)
	assert.True(t, errors.HasCode(err, errors.CodeReconciliationConflict))
	assert.Equal(t, uint64(996), h.balance(t).Available)
}

func TestHandleConfirmedUnknownSignature(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.HandleConfirmed(context.Background(), "0xnobody", 1)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestSponsoredWithdrawalChargesBudgetNotAccount(t *testing.T) {
	h := newHarness(t)
	h.sponsor.allow = true
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.NoError(t, err)
	assert.True(t, w.Sponsored)
	assert.True(t, h.signer.intents[0].SponsorFees)

	_, err = h.pipeline.HandleConfirmed(ctx, w.Signature, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), h.sponsor.recorded[w.ID])
	assert.Equal(t, uint64(700), h.balance(t).Available)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unknown, err := h.pipeline.RequestWithdrawal(ctx, request(100))
	require.NoError(t, err)
	settled, err := h.pipeline.RequestWithdrawal(ctx, request(200))
	require.NoError(t, err)
	h.client.statuses[settled.Signature] = chaintx.OutcomeConfirmed
	assert.Equal(t, uint64(700), h.balance(t).Available)

	h.now = h.now.Add(time.Minute)
	moved, err := h.pipeline.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Past the confirmation timeout but the transaction can still land.
	h.now = h.now.Add(2 * time.Minute)
	moved, err = h.pipeline.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	h.client.setHead(validUntil + 1)
	moved, err = h.pipeline.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	expired, err := h.pipeline.GetWithdrawal(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, expired.Status)
	stillSubmitted, err := h.pipeline.GetWithdrawal(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, stillSubmitted.Status)

	bal := h.balance(t)
	assert.Equal(t, uint64(800), bal.Available)
	assert.Equal(t, uint64(200), bal.Held)

	_, err = h.pipeline.HandleConfirmed(ctx, unknown.Signature, 1)
	assert.True(t, errors.HasCode(err, errors.CodeReconciliationConflict))
	assert.Equal(t, uint64(800), h.balance(t).Available)
}

func TestExhaustedSubmissionIsExpiredFromBuilding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	down := stderrors.New("node unavailable")
	h.client.submitErrs = []error{down, down, down}

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeExternalSubmissionFailed))
	assert.Equal(t, domain.StatusBuilding, w.Status)
	assert.Equal(t, 3, h.client.submitted)

	stored, err := h.pipeline.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xsig1", stored.Signature)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, uint64(300), h.balance(t).Held)

	h.now = h.now.Add(6 * time.Minute)
	h.client.setHead(validUntil + 1)
	moved, err := h.pipeline.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	bal := h.balance(t)
	assert.Equal(t, uint64(1000), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)
}

func TestExpireStaleKeepsIncludableTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(validUntil), w.ValidUntil)

	h.now = h.now.Add(time.Hour)
	for _, head := range []uint64{0, validUntil - 1, validUntil} {
		h.client.setHead(head)
		moved, err := h.pipeline.ExpireStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved, "head %d", head)
	}

	stored, err := h.pipeline.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, stored.Status)
	assert.Equal(t, uint64(100), h.balance(t).Held)

	// It lands late and the books follow the chain.
	confirmed, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	bal := h.balance(t)
	assert.Equal(t, uint64(900), bal.Available)
	assert.Equal(t, uint64(0), bal.Held)
}

func TestExpireStaleWithoutValidityBoundWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(100))
	require.NoError(t, err)
	_, err = h.pipeline.update(ctx, w.ID, func(w *domain.Withdrawal) { w.ValidUntil = 0 })
	require.NoError(t, err)

	h.now = h.now.Add(time.Hour)
	h.client.setHead(1_000_000)
	moved, err := h.pipeline.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Equal(t, uint64(100), h.balance(t).Held)
}

func TestShortFeeBalanceIsDeferred(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(1000))
	require.NoError(t, err)

	confirmed, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	assert.Equal(t, uint64(4), confirmed.ActualFee)
	assert.Equal(t, uint64(4), confirmed.FeeDue)
	assert.Equal(t, uint64(0), h.balance(t).Available)

	settled, err := h.pipeline.SettleFees(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)

	_, err = h.ledger.Credit(ctx, ledger.PostingRequest{AccountID: "acct-a", Asset: "GAS", Amount: 10, ReferenceID: "top-up"})
	require.NoError(t, err)

	settled, err = h.pipeline.SettleFees(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, uint64(6), h.balance(t).Available)

	settled, err = h.pipeline.SettleFees(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, uint64(6), h.balance(t).Available)

	stored, err := h.pipeline.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FeeDue)
	require.NoError(t, h.ledger.Verify(ctx, "acct-a", "GAS"))
}

func TestFeeIsChargedWithConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.NoError(t, err)
	confirmed, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 4)
	require.NoError(t, err)
	assert.Zero(t, confirmed.FeeDue)
	assert.Equal(t, uint64(696), h.balance(t).Available)

	entries, err := h.ledger.Entries(ctx, "acct-a", "GAS", 0)
	require.NoError(t, err)
	var feeEntries int
	for _, e := range entries {
		if e.ReferenceID == w.ID+":fee" {
			feeEntries++
		}
	}
	assert.Equal(t, 1, feeEntries)
}

func TestSponsorshipRecordRetried(t *testing.T) {
	h := newHarness(t)
	h.sponsor.allow = true
	h.sponsor.recordErr = stderrors.New("budget store down")
	ctx := context.Background()

	w, err := h.pipeline.RequestWithdrawal(ctx, request(300))
	require.NoError(t, err)
	confirmed, err := h.pipeline.HandleConfirmed(ctx, w.Signature, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), confirmed.FeeDue)
	assert.Equal(t, uint64(700), h.balance(t).Available)

	h.sponsor.recordErr = nil
	settled, err := h.pipeline.SettleFees(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, uint64(12), h.sponsor.recorded[w.ID])
	assert.Equal(t, uint64(700), h.balance(t).Available)

	stored, err := h.pipeline.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FeeDue)
}
