package transfer

import "time"

// Status of a pending transfer.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the transfer is settled one way or another.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// PendingTransfer is value addressed to an identifier that had no account
// when it was sent. Funds sit in an escrow hold on the sender until the
// transfer settles, expires or is cancelled.
type PendingTransfer struct {
	ID                  string     `json:"id" db:"id"`
	SenderID            string     `json:"sender_id" db:"sender_id"`
	RecipientIdentifier string     `json:"recipient_identifier" db:"recipient_identifier"`
	RecipientAccountID  string     `json:"recipient_account_id,omitempty" db:"recipient_account_id"`
	Asset               string     `json:"asset" db:"asset"`
	Amount              uint64     `json:"amount" db:"amount"`
	HoldID              string     `json:"hold_id" db:"hold_id"`
	Status              Status     `json:"status" db:"status"`
	FailureReason       string     `json:"failure_reason,omitempty" db:"failure_reason"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
