// Package testutil provides common testing utilities and mock implementations
// of the external ledger contracts.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
)

// MockSigner is a chaintx.Signer that produces sequential fake hashes.
// Addresses are "N" followed by the account id.
type MockSigner struct {
	mu      sync.Mutex
	intents []chaintx.TransferIntent
	// SystemFee and NetworkFee are attached to every signed transaction.
	SystemFee  uint64
	NetworkFee uint64
	// ValidUntil is the last block that can include a signed transaction.
	ValidUntil uint64
	// Err, when set, fails every Sign call.
	Err error
}

var _ chaintx.Signer = (*MockSigner)(nil)

// NewMockSigner creates a signer with small fixed fees.
func NewMockSigner() *MockSigner {
	return &MockSigner{SystemFee: 1000, NetworkFee: 500, ValidUntil: 1000}
}

// Sign records the intent and returns a transaction with hash 0xtx<n>.
func (s *MockSigner) Sign(_ context.Context, intent chaintx.TransferIntent) (chaintx.SignedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return chaintx.SignedTransaction{}, s.Err
	}
	s.intents = append(s.intents, intent)
	n := len(s.intents)
	return chaintx.SignedTransaction{
		Hash:       fmt.Sprintf("0xtx%d", n),
		Raw:        []byte{byte(n)},
		SystemFee:  s.SystemFee,
		NetworkFee: s.NetworkFee,
		Sponsored:  intent.SponsorFees,
		ValidUntil: s.ValidUntil,
	}, nil
}

// AddressFor returns "N" + accountID.
func (s *MockSigner) AddressFor(accountID string) (string, error) {
	return "N" + accountID, nil
}

// ValidateAddress accepts anything starting with "N".
func (s *MockSigner) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "N") {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}

// Intents returns the signed intents in order.
func (s *MockSigner) Intents() []chaintx.TransferIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chaintx.TransferIntent(nil), s.intents...)
}

// MockLedgerClient is an in-memory chaintx.LedgerClient. Activity queued
// with AddActivity is delivered once by the next GetActivitySince call.
type MockLedgerClient struct {
	mu        sync.Mutex
	head      uint64
	pending   []chaintx.Activity
	statuses  map[string]chaintx.Outcome
	balances  map[string]uint64
	submitted []chaintx.SignedTransaction
	// SubmitErr, when set, fails every Submit call.
	SubmitErr error
}

var _ chaintx.LedgerClient = (*MockLedgerClient)(nil)

// NewMockLedgerClient creates a client whose head is at head.
func NewMockLedgerClient(head uint64) *MockLedgerClient {
	return &MockLedgerClient{
		head:     head,
		statuses: make(map[string]chaintx.Outcome),
		balances: make(map[string]uint64),
	}
}

// AddActivity advances the head by one block and queues act in it.
func (c *MockLedgerClient) AddActivity(act chaintx.Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	c.pending = append(c.pending, act)
}

// SetStatus fixes the outcome reported for a signature.
func (c *MockLedgerClient) SetStatus(signature string, outcome chaintx.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[signature] = outcome
}

// SetBalance fixes the on-chain balance of (address, asset). Unset keys
// report an effectively unlimited balance.
func (c *MockLedgerClient) SetBalance(address, asset string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address+"/"+asset] = amount
}

// Submitted returns the broadcast transactions in order.
func (c *MockLedgerClient) Submitted() []chaintx.SignedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chaintx.SignedTransaction(nil), c.submitted...)
}

func (c *MockLedgerClient) Head(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *MockLedgerClient) GetActivitySince(_ context.Context, _ uint64, addresses []string) (chaintx.ActivityBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	watched := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		watched[addr] = true
	}
	var out []chaintx.Activity
	for _, act := range c.pending {
		if watched[act.Address] {
			out = append(out, act)
		}
	}
	c.pending = nil
	return chaintx.ActivityBatch{Activities: out, Checkpoint: c.head, Head: c.head}, nil
}

func (c *MockLedgerClient) Submit(_ context.Context, tx chaintx.SignedTransaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubmitErr != nil {
		return "", c.SubmitErr
	}
	c.submitted = append(c.submitted, tx)
	return tx.Hash, nil
}

func (c *MockLedgerClient) GetStatus(_ context.Context, signature string) (chaintx.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome, ok := c.statuses[signature]; ok {
		return outcome, nil
	}
	return chaintx.OutcomeUnknown, nil
}

func (c *MockLedgerClient) GetBalance(_ context.Context, address, asset string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if amount, ok := c.balances[address+"/"+asset]; ok {
		return amount, nil
	}
	return 1 << 62, nil
}
