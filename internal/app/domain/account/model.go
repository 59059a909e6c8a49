package account

import "time"

// Account is a custodial account known to the ledger. Identifier is the
// public handle (for example "@bob") that deferred transfers are addressed to.
type Account struct {
	ID             string    `json:"id" db:"id"`
	Identifier     string    `json:"identifier" db:"identifier"`
	DepositAddress string    `json:"deposit_address" db:"deposit_address"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
