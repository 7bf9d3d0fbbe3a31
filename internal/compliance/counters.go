package compliance

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds how many actions may target one node within a
// lookback window.
type RateLimitConfig struct {
	// Ceiling is the maximum number of actions per node per window.
	Ceiling int
	// Window is the lookback interval.
	Window time.Duration
}

// DefaultRateLimit allows 10 actions per node per hour.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{Ceiling: 10, Window: time.Hour}
}

// Validate checks that both fields are positive.
func (c RateLimitConfig) Validate() error {
	if c.Ceiling <= 0 {
		return fmt.Errorf("rate limit ceiling must be > 0 (got %d)", c.Ceiling)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be > 0 (got %s)", c.Window)
	}
	return nil
}

// CounterStore tracks actions dispatched for live execution per node. It
// is shared by every pipeline run in the process, or across processes when
// backed by Redis. Gate.Admit is its only writer.
type CounterStore interface {
	// Count returns the number of actions recorded for node in (now-window, now].
	Count(ctx context.Context, node string, now time.Time, window time.Duration) (int, error)
	// Reserve atomically records one action for node if fewer than limit are
	// already recorded in the window. It returns the count before the
	// reservation and whether it was made.
	Reserve(ctx context.Context, node string, now time.Time, window time.Duration, limit int) (int, bool, error)
}

// InMemoryCounterStore is a sliding-window CounterStore for a single process.
type InMemoryCounterStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewInMemoryCounterStore creates an empty store.
func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{events: make(map[string][]time.Time)}
}

// Count implements CounterStore.
func (s *InMemoryCounterStore) Count(_ context.Context, node string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked(node, now, window)), nil
}

// Reserve implements CounterStore.
func (s *InMemoryCounterStore) Reserve(_ context.Context, node string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.pruneLocked(node, now, window)
	if len(live) >= limit {
		return len(live), false, nil
	}
	// Callers may pass clocks that are not monotonic across runs; keep the
	// slice sorted so pruning stays a prefix cut.
	i, _ := slices.BinarySearchFunc(live, now, func(a, b time.Time) int { return a.Compare(b) })
	s.events[node] = slices.Insert(live, i, now)
	return len(live), true, nil
}

func (s *InMemoryCounterStore) pruneLocked(node string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	events := s.events[node]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	live := events[i:]
	if len(live) == 0 {
		delete(s.events, node)
		return nil
	}
	s.events[node] = live
	return live
}

// Cleanup drops nodes with no events inside window.
func (s *InMemoryCounterStore) Cleanup(now time.Time, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for node := range s.events {
		s.pruneLocked(node, now, window)
	}
}

// reserveScript trims expired members, counts the rest and adds a member
// only while under the limit. Running it as one script keeps the check and
// the increment atomic across processes.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {count, 0}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ttl)
return {count, 1}
`)

// RedisCounterStore keeps one sorted set per node, scored by event time in
// milliseconds.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a store using keys under prefix.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "guardrail:ratelimit:"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) key(node string) string {
	return s.prefix + node
}

// Count implements CounterStore.
func (s *RedisCounterStore) Count(ctx context.Context, node string, now time.Time, window time.Duration) (int, error) {
	lo := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	hi := strconv.FormatInt(now.UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.key(node), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit count: %w", err)
	}
	return int(n), nil
}

// Reserve implements CounterStore.
func (s *RedisCounterStore) Reserve(ctx context.Context, node string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(node)},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis rate limit reserve: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis rate limit reserve: unexpected reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}
