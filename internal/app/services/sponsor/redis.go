package sponsor

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	domain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
)

//go:embed lua/record.lua
var luaRecord string

const (
	referenceTTL = 90 * 24 * time.Hour
	dayTTL       = 8 * 24 * time.Hour
)

// RedisStore shares sponsorship counters across replicas. Recording runs as
// one Lua script so the reference check and every increment are atomic.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	scrRecord *redis.Script
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store whose keys start with prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ledger:sponsor"
	}
	return &RedisStore{
		rdb:       rdb,
		prefix:    prefix,
		scrRecord: redis.NewScript(luaRecord),
	}
}

// Every key shares the {prefix} hash tag so the script stays on one cluster
// slot.
func (s *RedisStore) keyDay(day string) string { return fmt.Sprintf("{%s}:day:%s", s.prefix, day) }
func (s *RedisStore) keyUsers(day string) string {
	return fmt.Sprintf("{%s}:day:%s:users", s.prefix, day)
}
func (s *RedisStore) keyTotal() string { return fmt.Sprintf("{%s}:total", s.prefix) }
func (s *RedisStore) keyReference(ref string) string {
	return fmt.Sprintf("{%s}:ref:%s", s.prefix, ref)
}

func (s *RedisStore) Usage(ctx context.Context, day, userID string, now time.Time) (domain.Usage, error) {
	pipe := s.rdb.Pipeline()
	dayCmd := pipe.HGetAll(ctx, s.keyDay(day))
	totalCmd := pipe.Get(ctx, s.keyTotal())
	userCmd := pipe.HGet(ctx, s.keyUsers(day), userID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.Usage{}, fmt.Errorf("read sponsor usage: %w", err)
	}

	fields := dayCmd.Val()
	usage := domain.Usage{
		Window: domain.Window{
			Day:                   day,
			DailySpent:            parseUint(fields["spent"]),
			DailyTransactionCount: parseUint(fields["count"]),
			TotalSponsored:        parseUint(totalCmd.Val()),
			LastResetAt:           startOfDay(now),
		},
		UserCount: parseUint(userCmd.Val()),
	}
	if resetAt := parseUint(fields["reset_at"]); resetAt > 0 {
		usage.LastResetAt = time.Unix(int64(resetAt), 0).UTC()
	}
	return usage, nil
}

func (s *RedisStore) Record(ctx context.Context, day, userID, reference string, fee uint64, now time.Time) (domain.Usage, bool, error) {
	keys := []string{s.keyReference(reference), s.keyDay(day), s.keyUsers(day), s.keyTotal()}
	args := []any{fee, userID, now.Unix(), int64(referenceTTL.Seconds()), int64(dayTTL.Seconds())}

	raw, err := s.scrRecord.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return domain.Usage{}, false, fmt.Errorf("record sponsorship: %w", err)
	}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < 6 {
		return domain.Usage{}, false, fmt.Errorf("record sponsorship: unexpected reply %v", raw)
	}
	values := make([]uint64, len(arr))
	for i, v := range arr {
		n, ok := v.(int64)
		if !ok {
			return domain.Usage{}, false, fmt.Errorf("record sponsorship: unexpected value %v", v)
		}
		values[i] = uint64(n)
	}

	usage := domain.Usage{
		Window: domain.Window{
			Day:                   day,
			DailySpent:            values[1],
			DailyTransactionCount: values[2],
			TotalSponsored:        values[4],
			LastResetAt:           time.Unix(int64(values[5]), 0).UTC(),
		},
		UserCount: values[3],
	}
	return usage, values[0] == 1, nil
}

func parseUint(raw string) uint64 {
	n, _ := strconv.ParseUint(raw, 10, 64)
	return n
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
