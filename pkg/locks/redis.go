package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements engine.Locker with a Redis key per target.
type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewRedisLocker creates a locker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		retryInterval: DefaultRetryInterval,
		logger:        logger.With().Str("component", "redis-locker").Logger(),
	}
}

func (l *RedisLocker) key(target engine.LockTarget) string {
	return l.prefix + target.Key()
}

// Lock implements engine.Locker. It polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, target engine.LockTarget) (string, error) {
	key := l.key(target)
	token := uuid.New().String()

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("redis error acquiring lock %s: %w", key, err)
		}
		if ok {
			l.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("Lock acquired")
			return token, nil
		}
		if attempt == 1 {
			l.logger.Info().Str("key", key).Msg("Lock is held, waiting")
		}
		if err := waitRetry(ctx, l.retryInterval); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrLockHeld, key, err)
		}
	}
}

// Unlock implements engine.Locker.
func (l *RedisLocker) Unlock(ctx context.Context, target engine.LockTarget, token string) error {
	key := l.key(target)
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis error releasing lock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	l.logger.Debug().Str("key", key).Msg("Lock released")
	return nil
}
