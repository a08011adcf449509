package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	key := CompetitorKey("c1")

	token, err := m.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = m.TryLock(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// other keys are independent
	_, err = m.TryLock(ctx, CompetitorKey("c2"), time.Minute)
	assert.NoError(t, err)

	assert.ErrorIs(t, m.Unlock(ctx, key, "wrong"), ErrLockNotHeld)
	require.NoError(t, m.Unlock(ctx, key, token))

	_, err = m.TryLock(ctx, key, time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first, err := m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Unlock(ctx, "k", first), ErrLockNotHeld)
	assert.NoError(t, m.Unlock(ctx, "k", second))
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 0})
	defer client.Close()

	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	l := NewRedisLocker(client)
	key := CompetitorKey("redis-test")
	client.Del(ctx, key)

	token, err := l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	assert.ErrorIs(t, l.Unlock(ctx, key, "wrong"), ErrLockNotHeld)
	assert.NoError(t, l.Unlock(ctx, key, token))
}
