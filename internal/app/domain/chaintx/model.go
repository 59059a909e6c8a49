// Package chaintx models the external ledger: the transaction records the
// indexer reconciles and the capabilities the core consumes from it.
package chaintx

import (
	"context"
	"errors"
	"time"
)

// ErrRejected marks a submission the external ledger refused outright.
// Retrying the same transaction cannot succeed.
var ErrRejected = errors.New("transaction rejected by external ledger")

// Direction of value relative to a custodial address.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Status of an external transaction record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Final reports whether the record can no longer change.
func (s Status) Final() bool { return s == StatusConfirmed || s == StatusFailed }

// Purpose describes why value moved.
type Purpose string

const (
	PurposeDeposit      Purpose = "DEPOSIT"
	PurposeWithdrawal   Purpose = "WITHDRAWAL"
	PurposeUnattributed Purpose = "UNATTRIBUTED"
	// PurposeRejected marks activity that can never be applied to the
	// ledger as observed. It is kept for manual review.
	PurposeRejected Purpose = "REJECTED"
)

// Record is the internal view of one external transfer. The natural key is
// (Signature, Direction, Address); a transaction moving value between two
// custodial addresses yields one IN and one OUT record.
type Record struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	Signature   string     `json:"signature" db:"signature"`
	Direction   Direction  `json:"direction" db:"direction"`
	Address     string     `json:"address" db:"address"`
	Asset       string     `json:"asset" db:"asset"`
	Amount      uint64     `json:"amount" db:"amount"`
	Purpose     Purpose    `json:"purpose" db:"purpose"`
	Status      Status     `json:"status" db:"status"`
	Height      uint64     `json:"height" db:"height"`
	EntryID     string     `json:"entry_id,omitempty" db:"entry_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// Outcome is what the external ledger knows about a signature.
type Outcome string

const (
	OutcomeUnknown   Outcome = "unknown"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Activity is one transfer touching a watched address, as discovered on the
// external ledger.
type Activity struct {
	Signature    string
	Direction    Direction
	Address      string
	Counterparty string
	Asset        string
	Amount       uint64
	Height       uint64
	Outcome      Outcome
	Fee          uint64
	Reason       string
}

// ActivityBatch is the result of one scan. Checkpoint is the last ledger
// position fully covered by Activities.
type ActivityBatch struct {
	Activities []Activity
	Checkpoint uint64
	Head       uint64
}

// TransferIntent describes an outbound transfer to be built and signed.
type TransferIntent struct {
	AccountID   string
	FromAddress string
	ToAddress   string
	Asset       string
	Amount      uint64
	Reference   string
	SponsorFees bool
}

// SignedTransaction is an opaque, ready-to-submit transaction.
type SignedTransaction struct {
	Hash       string
	Raw        []byte
	SystemFee  uint64
	NetworkFee uint64
	Sponsored  bool
	ValidUntil uint64
}

// Fee is the total fee the transaction will pay.
func (t SignedTransaction) Fee() uint64 { return t.SystemFee + t.NetworkFee }

// Signer builds and signs transactions for custodial accounts.
type Signer interface {
	Sign(ctx context.Context, intent TransferIntent) (SignedTransaction, error)
	AddressFor(accountID string) (string, error)
	ValidateAddress(address string) error
}

// LedgerClient is the query/submit surface of the external ledger.
type LedgerClient interface {
	Head(ctx context.Context) (uint64, error)
	GetActivitySince(ctx context.Context, checkpoint uint64, addresses []string) (ActivityBatch, error)
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
	GetStatus(ctx context.Context, signature string) (Outcome, error)
	GetBalance(ctx context.Context, address, asset string) (uint64, error)
}

// Checkpoint is the indexer's durable scan position.
type Checkpoint struct {
	Name      string    `json:"name" db:"name"`
	Position  uint64    `json:"position" db:"position"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
