package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

var target = engine.LockTarget{App: "shop", Namespace: "team-a", Environment: "prod"}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLocker(client, "test:", time.Minute, zerolog.Nop())
	l.retryInterval = 10 * time.Millisecond
	return l, mr
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	token, err := l.Lock(ctx, target)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, mr.Exists("test:yam-lock-shop-prod"))
	assert.Equal(t, time.Minute, mr.TTL("test:yam-lock-shop-prod"))

	require.NoError(t, l.Unlock(ctx, target, token))
	assert.False(t, mr.Exists("test:yam-lock-shop-prod"))
}

func TestRedisLocker_Contention(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	token, err := l.Lock(ctx, target)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other := engine.LockTarget{App: "shop", Namespace: "team-a", Environment: "staging"}
	otherToken, err := l.Lock(ctx, other)
	require.NoError(t, err)
	require.NoError(t, l.Unlock(ctx, other, otherToken))

	require.NoError(t, l.Unlock(ctx, target, token))
	token, err = l.Lock(ctx, target)
	require.NoError(t, err)
	require.NoError(t, l.Unlock(ctx, target, token))
}

func TestRedisLocker_UnlockWrongToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	_, err := l.Lock(ctx, target)
	require.NoError(t, err)

	err = l.Unlock(ctx, target, "someone-else")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, mr.Exists("test:yam-lock-shop-prod"))
}

func TestRedisLocker_Expiry(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Lock(ctx, target)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	token, err := l.Lock(ctx, target)
	require.NoError(t, err)
	assert.NotEqual(t, stale, token)
	assert.ErrorIs(t, l.Unlock(ctx, target, stale), ErrNotOwner)
	require.NoError(t, l.Unlock(ctx, target, token))
}
