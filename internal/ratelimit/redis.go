package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter keeps each window in a sorted set scored by attempt time in
// milliseconds, so every replica sees the same counts.
type RedisLimiter struct {
	client redis.UniversalClient
	policy Policy
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, policy Policy) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		policy: policy.normalized(TwoFactorPolicy),
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	redisKey := redisKeyPrefix + key
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	threshold := strconv.FormatInt(now.Add(-l.policy.Window).UnixMilli(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", threshold)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, l.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit %s: %w", key, err)
	}

	attempts := int(count.Val())
	if attempts <= l.policy.MaxAttempts {
		return Decision{Allowed: true, Remaining: l.policy.MaxAttempts - attempts}, nil
	}

	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit rollback %s: %w", key, err)
	}

	retryAfter := l.policy.Window
	if first := oldest.Val(); len(first) > 0 {
		oldestAt := time.UnixMilli(int64(first[0].Score))
		retryAfter = oldestAt.Add(l.policy.Window).Sub(now)
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis rate limit reset %s: %w", key, err)
	}
	return nil
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
