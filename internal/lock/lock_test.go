package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/clock"
	"listing-bot/internal/lock"
)

func lockerContract(t *testing.T, locker lock.Locker, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	lease, ok, err := locker.Acquire(ctx, "schedule:property-cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "schedule:property-cleanup", lease.Key())

	_, ok, err = locker.Acquire(ctx, "schedule:property-cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must be refused while held")

	other, ok, err := locker.Acquire(ctx, "schedule:weekly-report", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, ok, err := locker.Acquire(ctx, "schedule:property-cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	expire(2 * time.Minute)
	taken, ok, err := locker.Acquire(ctx, "schedule:property-cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired locks can be taken")

	require.NoError(t, again.Release(ctx), "stale release is a no-op")
	_, ok, err = locker.Acquire(ctx, "schedule:property-cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not free the new holder's lock")
	require.NoError(t, taken.Release(ctx))
}

func TestMemoryLocker(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC))
	locker := lock.NewMemoryLocker(clk)
	lockerContract(t, locker, clk.Advance)
	assert.False(t, locker.Held("schedule:property-cleanup"))
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lockerContract(t, lock.NewRedisLocker(client), mr.FastForward)
}
