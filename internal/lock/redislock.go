package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: held by another owner")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`

// Locker provides a Redis-backed distributed lock. Only the token that set the
// key can release it.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	Prefix       string
}

func (l Locker) key(name string) string {
	if l.Prefix == "" {
		return "lock:" + name
	}
	return l.Prefix + name
}

// WithLock blocks until the lock is acquired or ctx is done, then runs fn.
func (l Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		err := l.TryWithLock(ctx, name, ttl, fn)
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryWithLock runs fn only if the lock is free right now. Scheduled jobs use it
// so that a second worker instance skips instead of queueing behind the first.
func (l Locker) TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key, token := l.key(name), uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		_ = l.R.Eval(context.WithoutCancel(ctx), releaseScript, []string{key}, token).Err()
	}()
	return fn(ctx)
}

func (l Locker) check(fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	return nil
}
