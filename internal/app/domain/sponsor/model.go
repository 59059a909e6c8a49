package sponsor

import "time"

// Limits are the three sponsorship ceilings.
type Limits struct {
	DailyBudget       uint64 `json:"daily_budget"`
	TotalBudget       uint64 `json:"total_budget"`
	PerUserDailyLimit uint64 `json:"per_user_daily_limit"`
}

// Window is the process-wide sponsorship state for the current UTC day.
type Window struct {
	Day                   string    `json:"day"`
	DailySpent            uint64    `json:"daily_spent"`
	DailyTransactionCount uint64    `json:"daily_transaction_count"`
	TotalSponsored        uint64    `json:"total_sponsored"`
	LastResetAt           time.Time `json:"last_reset_at"`
}

// Usage is a window plus one user's count for the same day.
type Usage struct {
	Window
	UserCount uint64 `json:"user_count"`
}

// DayBucket returns the UTC day key for t.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
