package locks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/config"
	"github.com/yamplus/yam/pkg/engine"
)

const (
	// DefaultTTL bounds how long an abandoned lock blocks other writers.
	DefaultTTL = 10 * time.Minute

	// DefaultRetryInterval is the delay between acquisition attempts.
	DefaultRetryInterval = 200 * time.Millisecond
)

var (
	// ErrLockHeld is returned when another holder owns the lock.
	ErrLockHeld = errors.New("lock is held by another writer")

	// ErrNotOwner is returned when releasing with a token that does not own the lock.
	ErrNotOwner = errors.New("lock is not owned by this token")
)

// NoneLocker performs no locking.
type NoneLocker struct{}

// Lock implements engine.Locker.
func (NoneLocker) Lock(ctx context.Context, target engine.LockTarget) (string, error) {
	return "none", nil
}

// Unlock implements engine.Locker.
func (NoneLocker) Unlock(ctx context.Context, target engine.LockTarget, token string) error {
	return nil
}

// New builds the locker for cfg. cluster is only used by the cluster-object
// strategy. The returned closer releases any connection the locker opened.
func New(cfg config.LockConfig, cluster engine.ClusterClient, logger zerolog.Logger) (engine.Locker, io.Closer, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch cfg.Strategy {
	case engine.LockStrategyNone, "":
		return NoneLocker{}, nopCloser{}, nil
	case engine.LockStrategyCluster:
		if cluster == nil {
			return nil, nil, engine.NewConfigError("cluster-object lock requires a cluster client", nil)
		}
		return NewClusterLocker(cluster, cfg.Namespace, ttl, logger), nopCloser{}, nil
	case engine.LockStrategyExternal:
		if cfg.RedisAddr == "" {
			return nil, nil, engine.NewConfigError("external-service lock requires lock.redisAddr", nil)
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisLocker(client, "yam:", ttl, logger), client, nil
	default:
		return nil, nil, engine.NewConfigError(fmt.Sprintf("unknown lock strategy %q", cfg.Strategy), nil)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// waitRetry sleeps for interval or until ctx is done.
func waitRetry(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
