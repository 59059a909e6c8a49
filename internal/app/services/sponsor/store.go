package sponsor

import (
	"context"
	"sync"
	"time"

	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
)

// Store keeps the sponsorship counters. Daily counters live under a UTC day
// key, so a new day starts from zero on first access.
type Store interface {
	// Usage returns the window for day plus userID's count for that day.
	Usage(ctx context.Context, day, userID string, now time.Time) (domain.Usage, error)
	// Record adds fee to the day and total counters and bumps userID's daily
	// count. It reports false without changing anything when reference was
	// already recorded.
	Record(ctx context.Context, day, userID, reference string, fee uint64, now time.Time) (domain.Usage, bool, error)
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu         sync.Mutex
	window     domain.Window
	users      map[string]uint64
	references map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]uint64),
		references: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Usage(_ context.Context, day, userID string, now time.Time) (domain.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(day, now)
	return domain.Usage{Window: s.window, UserCount: s.users[userID]}, nil
}

func (s *MemoryStore) Record(_ context.Context, day, userID, reference string, fee uint64, now time.Time) (domain.Usage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(day, now)
	if _, seen := s.references[reference]; seen {
		return domain.Usage{Window: s.window, UserCount: s.users[userID]}, false, nil
	}
	s.references[reference] = struct{}{}
	s.window.DailySpent += fee
	s.window.DailyTransactionCount++
	s.window.TotalSponsored += fee
	s.users[userID]++
	return domain.Usage{Window: s.window, UserCount: s.users[userID]}, true, nil
}

// roll applies the lazy UTC-midnight reset.
func (s *MemoryStore) roll(day string, now time.Time) {
	if s.window.Day == day {
		return
	}
	s.window = domain.Window{
		Day:            day,
		TotalSponsored: s.window.TotalSponsored,
		LastResetAt:    now,
	}
	s.users = make(map[string]uint64)
}
