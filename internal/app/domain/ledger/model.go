package ledger

import "time"

// Kind classifies a ledger entry.
type Kind string

const (
	KindDeposit     Kind = "DEPOSIT"
	KindWithdraw    Kind = "WITHDRAW"
	KindHold        Kind = "HOLD"
	KindRelease     Kind = "RELEASE"
	KindTransferIn  Kind = "TRANSFER_IN"
	KindTransferOut Kind = "TRANSFER_OUT"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdraw, KindHold, KindRelease, KindTransferIn, KindTransferOut:
		return true
	}
	return false
}

// Balance is the cached balance row for one (account, asset) key. It is only
// ever mutated together with an appended Entry.
type Balance struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Asset     string    `json:"asset" db:"asset"`
	Available uint64    `json:"available" db:"available"`
	Held      uint64    `json:"held" db:"held"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Total is available plus held.
func (b Balance) Total() uint64 { return b.Available + b.Held }

// Entry is an immutable record of one balance-affecting event.
//
// Delta is the signed change to available+held. HeldDelta is the signed
// change to held, so the change to available is Delta-HeldDelta. A HOLD
// entry therefore carries Delta 0 and HeldDelta +amount.
type Entry struct {
	ID             string    `json:"id" db:"id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Asset          string    `json:"asset" db:"asset"`
	Kind           Kind      `json:"kind" db:"kind"`
	Delta          int64     `json:"delta" db:"delta"`
	HeldDelta      int64     `json:"held_delta" db:"held_delta"`
	ReferenceID    string    `json:"reference_id" db:"reference_id"`
	AvailableAfter uint64    `json:"available_after" db:"available_after"`
	HeldAfter      uint64    `json:"held_after" db:"held_after"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AvailableDelta is the signed change to the available amount.
func (e Entry) AvailableDelta() int64 { return e.Delta - e.HeldDelta }

// Fold replays entries in order into a balance.
func Fold(accountID, asset string, entries []Entry) (Balance, bool) {
	var total, held int64
	for _, e := range entries {
		total += e.Delta
		held += e.HeldDelta
		if total < 0 || held < 0 || held > total {
			return Balance{}, false
		}
	}
	return Balance{
		AccountID: accountID,
		Asset:     asset,
		Available: uint64(total - held),
		Held:      uint64(held),
	}, true
}

// HoldPurpose names the owner of a hold.
type HoldPurpose string

const (
	PurposeEscrow     HoldPurpose = "ESCROW"
	PurposeWithdrawal HoldPurpose = "WITHDRAWAL"
	PurposeSponsor    HoldPurpose = "SPONSOR"
)

// Valid reports whether p is a known purpose.
func (p HoldPurpose) Valid() bool {
	switch p {
	case PurposeEscrow, PurposeWithdrawal, PurposeSponsor:
		return true
	}
	return false
}

// ConsumeKind is the entry kind used when the hold turns into a debit.
func (p HoldPurpose) ConsumeKind() Kind {
	if p == PurposeEscrow {
		return KindTransferOut
	}
	return KindWithdraw
}

// HoldStatus tracks hold resolution.
type HoldStatus string

const (
	HoldActive    HoldStatus = "ACTIVE"
	HoldReleased  HoldStatus = "RELEASED"
	HoldConsumed  HoldStatus = "CONSUMED"
	HoldCancelled HoldStatus = "CANCELLED"
)

// Terminal reports whether no further operation may change the hold.
func (s HoldStatus) Terminal() bool { return s != HoldActive }

// Hold reserves funds against a balance. Amount is the outstanding reserved
// amount; it shrinks on partial release or partial transfer.
type Hold struct {
	ID             string      `json:"id" db:"id"`
	AccountID      string      `json:"account_id" db:"account_id"`
	Asset          string      `json:"asset" db:"asset"`
	Amount         uint64      `json:"amount" db:"amount"`
	OriginalAmount uint64      `json:"original_amount" db:"original_amount"`
	ReleasedAmount uint64      `json:"released_amount" db:"released_amount"`
	ConsumedAmount uint64      `json:"consumed_amount" db:"consumed_amount"`
	Purpose        HoldPurpose `json:"purpose" db:"purpose"`
	ReferenceID    string      `json:"reference_id" db:"reference_id"`
	Status         HoldStatus  `json:"status" db:"status"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	ReleasedAt     *time.Time  `json:"released_at,omitempty" db:"released_at"`
}

// HoldOpKind names a hold resolution operation.
type HoldOpKind string

const (
	OpRelease  HoldOpKind = "RELEASE"
	OpConsume  HoldOpKind = "CONSUME"
	OpTransfer HoldOpKind = "TRANSFER"
	OpCancel   HoldOpKind = "CANCEL"
)

// HoldOperation is the idempotency record for one resolution of a hold,
// keyed by (HoldID, Kind, Reference). Replays return it unchanged.
type HoldOperation struct {
	HoldID         string     `json:"hold_id" db:"hold_id"`
	Kind           HoldOpKind `json:"kind" db:"kind"`
	Reference      string     `json:"reference" db:"reference"`
	Amount         uint64     `json:"amount" db:"amount"`
	RemainingAfter uint64     `json:"remaining_after" db:"remaining_after"`
	StatusAfter    HoldStatus `json:"status_after" db:"status_after"`
	CounterpartyID string     `json:"counterparty_id,omitempty" db:"counterparty_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
