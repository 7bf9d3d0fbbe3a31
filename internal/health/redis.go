// Package health provides health check implementations for the dependencies
// the guardrail server reads from or acts through.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCheckKey is written on every check; the rate limiter needs a
// writable primary, which PING alone does not prove.
const redisCheckKey = "guardrail:health:check"

// RedisChecker checks the Redis instance holding rate limit counters.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck pings Redis and performs a short-lived write.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if err := r.client.Set(ctx, redisCheckKey, time.Now().Unix(), 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis write: %w", err)
	}
	return nil
}
