package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RunLockKey builds redis keys for the (group, period) critical section. Two
// runs for the same key are mutually exclusive for the run's duration.
func RunLockKey(groupID int64, period string) string {
	return fmt.Sprintf("consol:group:%d:period:%s:lock", groupID, period)
}

// ErrLockHeld indicates the advisory lock is held by another run.
var ErrLockHeld = errors.New("advisory lock already held")

// Unlocker releases a held advisory lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker obtains advisory locks.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
}

// RedisLocker implements Locker on redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker wraps a redis client for advisory locking.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Obtain acquires the lock or reports ErrLockHeld without waiting.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return lock, nil
}
