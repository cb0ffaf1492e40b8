package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerMutualExclusion(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker := NewRedisLocker(rdb)
	ctx := context.Background()
	key := RunLockKey(7, "2025-03")

	lock, err := locker.Obtain(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))

	again, err := locker.Obtain(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRunLockKeyIsScopedPerGroupAndPeriod(t *testing.T) {
	require.NotEqual(t, RunLockKey(1, "2025-03"), RunLockKey(2, "2025-03"))
	require.NotEqual(t, RunLockKey(1, "2025-03"), RunLockKey(1, "2025-04"))
}
