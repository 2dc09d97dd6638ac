package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"storegate/internal/types"
)

// windowBounds returns the fixed window containing now.
func windowBounds(now time.Time, window time.Duration) (start, reset time.Time) {
	start = now.Truncate(window)
	return start, start.Add(window)
}

func limitResult(count int64, limit int, reset time.Time) RateLimitResult {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: count <= int64(limit), Remaining: remaining, ResetAt: reset}
}

// RedisRateLimitStore keeps one counter per key and window in Redis. Counters
// expire with their window.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
	clock  types.Clock
}

// NewRedisRateLimitStore creates a store whose keys start with prefix.
func NewRedisRateLimitStore(client redis.UniversalClient, prefix string, clock types.Clock) *RedisRateLimitStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisRateLimitStore{client: client, prefix: prefix, clock: clock}
}

// IncrementAndCheck implements RateLimitStore.
func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	start, reset := windowBounds(s.clock.Now(), window)
	redisKey := fmt.Sprintf("%sratelimit:%s:%d", s.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window+time.Second)
		return nil
	})
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit increment: %w", err)
	}
	return limitResult(incr.Val(), limit, reset), nil
}

// MemoryRateLimitStore is an in-process RateLimitStore for local runs and
// tests.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	clock   types.Clock
	windows map[string]memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int64
}

// NewMemoryRateLimitStore returns an empty store.
func NewMemoryRateLimitStore(clock types.Clock) *MemoryRateLimitStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryRateLimitStore{clock: clock, windows: make(map[string]memoryWindow)}
}

// IncrementAndCheck implements RateLimitStore.
func (s *MemoryRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	start, reset := windowBounds(s.clock.Now(), window)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[key]
	if !w.start.Equal(start) {
		w = memoryWindow{start: start}
	}
	w.count++
	s.windows[key] = w
	return limitResult(w.count, limit, reset), nil
}
