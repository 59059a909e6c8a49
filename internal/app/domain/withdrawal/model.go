package withdrawal

import "time"

// Status of a withdrawal request.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusBuilding  Status = "BUILDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the request has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusCreated:   {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusSubmitted, StatusConfirmed, StatusFailed, StatusExpired},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Withdrawal is an internal withdrawal intent and its external progress.
type Withdrawal struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	ToAddress string `json:"to_address" db:"to_address"`
	Amount    uint64 `json:"amount" db:"amount"`
	Asset     string `json:"asset" db:"asset"`
	HoldID    string `json:"hold_id" db:"hold_id"`
	Status    Status `json:"status" db:"status"`
	Signature string `json:"signature,omitempty" db:"signature"`
	// ValidUntil is the last block that can include the signed transaction.
	ValidUntil   uint64 `json:"valid_until,omitempty" db:"valid_until"`
	EstimatedFee uint64 `json:"estimated_fee" db:"estimated_fee"`
	ActualFee    uint64 `json:"actual_fee" db:"actual_fee"`
	// FeeDue is the part of ActualFee not yet charged to the account or
	// recorded against the sponsor budget.
	FeeDue        uint64     `json:"fee_due,omitempty" db:"fee_due"`
	Sponsored     bool       `json:"sponsored" db:"sponsored"`
	Attempts      int        `json:"attempts" db:"attempts"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
