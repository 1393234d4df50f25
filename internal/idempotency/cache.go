package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a processed marker stays in Redis.
const DefaultCacheTTL = 24 * time.Hour

// Cache short-circuits redeliveries before a database transaction is opened.
// It is only ever written after a commit, and a miss always falls through to the Ledger.
type Cache struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

func (c Cache) key(provider, eventID string) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "reconcile:processed"
	}
	provider, eventID = normalize(provider, eventID)
	return fmt.Sprintf("%s:%s:%s", prefix, provider, eventID)
}

// Seen reports whether the event was recorded as processed.
func (c Cache) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	if c.Client == nil {
		return false, nil
	}
	err := c.Client.Get(ctx, c.key(provider, eventID)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}

// Remember marks the event processed with the outcome it was committed under.
func (c Cache) Remember(ctx context.Context, provider, eventID, outcome string) error {
	if c.Client == nil {
		return nil
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return c.Client.Set(ctx, c.key(provider, eventID), outcome, ttl).Err()
}
