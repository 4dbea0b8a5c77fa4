package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

const (
	holderKey  = "holder"
	expiresKey = "expiresAt"
)

// DefaultLockNamespace holds cluster lock objects. It exists before any
// application namespace is ensured.
const DefaultLockNamespace = "default"

// ClusterLocker stores the lock as a ConfigMap in a fixed namespace. Clients
// implementing engine.ConfigSwapper acquire it with a compare-and-swap;
// others fall back to write-then-verify, which only narrows the race window.
type ClusterLocker struct {
	client        engine.ClusterClient
	namespace     string
	ttl           time.Duration
	retryInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewClusterLocker creates a locker backed by client. An empty namespace
// selects DefaultLockNamespace.
func NewClusterLocker(client engine.ClusterClient, namespace string, ttl time.Duration, logger zerolog.Logger) *ClusterLocker {
	if namespace == "" {
		namespace = DefaultLockNamespace
	}
	l := &ClusterLocker{
		client:        client,
		namespace:     namespace,
		ttl:           ttl,
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
		logger:        logger.With().Str("component", "cluster-locker").Logger(),
	}
	if _, ok := client.(engine.ConfigSwapper); !ok {
		l.logger.Warn().Msg("Cluster client cannot swap config objects atomically, lock acquisition is best effort")
	}
	return l
}

func (l *ClusterLocker) lockObject(target engine.LockTarget) engine.ConfigData {
	return engine.ConfigData{Kind: engine.ConfigKindConfigMap, Name: target.Key(), Namespace: l.namespace}
}

// read returns the stored lock data, nil when no lock object exists.
func (l *ClusterLocker) read(ctx context.Context, target engine.LockTarget) (map[string]string, error) {
	data, err := l.client.GetConfig(ctx, l.lockObject(target))
	if engine.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]string{}
	}
	return data, nil
}

// holder returns the live token in data, or "" when the lock is free or expired.
func (l *ClusterLocker) holder(data map[string]string) string {
	if data == nil {
		return ""
	}
	expires, err := time.Parse(time.RFC3339Nano, data[expiresKey])
	if err != nil || !l.now().Before(expires) {
		return ""
	}
	return data[holderKey]
}

// acquire replaces the observed lock data with a lease for token.
func (l *ClusterLocker) acquire(ctx context.Context, target engine.LockTarget, observed map[string]string, token string) (bool, error) {
	obj := l.lockObject(target)
	obj.Data = map[string]string{
		holderKey:  token,
		expiresKey: l.now().Add(l.ttl).UTC().Format(time.RFC3339Nano),
	}

	if swapper, ok := l.client.(engine.ConfigSwapper); ok {
		return swapper.SwapConfig(ctx, obj, observed)
	}

	if _, err := l.client.SaveConfig(ctx, obj); err != nil {
		return false, err
	}
	stored, err := l.read(ctx, target)
	if err != nil {
		return false, err
	}
	return stored[holderKey] == token, nil
}

// Lock implements engine.Locker.
func (l *ClusterLocker) Lock(ctx context.Context, target engine.LockTarget) (string, error) {
	token := uuid.New().String()
	for attempt := 1; ; attempt++ {
		data, err := l.read(ctx, target)
		if err != nil {
			return "", fmt.Errorf("failed to read lock %s: %w", target.Key(), err)
		}
		current := l.holder(data)
		if current == "" {
			ok, err := l.acquire(ctx, target, data, token)
			if err != nil {
				return "", fmt.Errorf("failed to write lock %s: %w", target.Key(), err)
			}
			if ok {
				l.logger.Debug().Str("lock", target.Key()).Str("namespace", l.namespace).Msg("Lock acquired")
				return token, nil
			}
			current = "concurrent writer"
		}
		if attempt == 1 {
			l.logger.Info().Str("lock", target.Key()).Str("holder", current).Msg("Lock is held, waiting")
		}
		if err := waitRetry(ctx, l.retryInterval); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrLockHeld, target.Key(), err)
		}
	}
}

// Unlock implements engine.Locker.
func (l *ClusterLocker) Unlock(ctx context.Context, target engine.LockTarget, token string) error {
	data, err := l.read(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", target.Key(), err)
	}
	if data == nil || data[holderKey] != token {
		return fmt.Errorf("%w: %s", ErrNotOwner, target.Key())
	}
	if _, err := l.client.Remove(ctx, engine.ResourceMeta{
		Kind:      string(engine.ConfigKindConfigMap),
		Name:      target.Key(),
		Namespace: l.namespace,
	}); err != nil {
		return fmt.Errorf("failed to remove lock %s: %w", target.Key(), err)
	}
	l.logger.Debug().Str("lock", target.Key()).Msg("Lock released")
	return nil
}
