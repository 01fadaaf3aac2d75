package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, for deployments running more than one
// replica where the per-key counters must be shared. It uses the GCRA
// implementation from redis_rate with burst equal to the limit, which gives
// the same "limit requests per window" semantics as MemoryStore.
type RedisStore struct {
	limiter *redis_rate.Limiter
}

// NewRedisStore creates a RedisStore on top of an existing client. The caller
// owns the client's lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{limiter: redis_rate.NewLimiter(client)}
}

// Allow implements Store. Errors (connection refused, timeout) are returned to
// the caller; the middleware decides whether to fail open or closed.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	res, err := s.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit,
		Burst:  limit,
		Period: window,
	})
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
		ResetAt:    time.Now().Add(res.ResetAfter),
	}, nil
}
