package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window limiter over Redis sorted sets. A rejected
// request is removed again, so a flooding sender cannot extend its own lockout.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow records one request for key.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(window)}, nil
	}

	redisKey := l.Prefix + key
	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{ResetAt: now.Add(window)}, fmt.Errorf("ratelimit: %w", err)
	}

	current := int(count.Val())
	resetAt := now.Add(window)
	if first := oldest.Val(); len(first) == 1 {
		resetAt = time.Unix(0, int64(first[0].Score)).Add(window)
	}
	if current > max {
		if err := l.Client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return Decision{ResetAt: resetAt}, fmt.Errorf("ratelimit: %w", err)
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: max - current, ResetAt: resetAt}, nil
}
