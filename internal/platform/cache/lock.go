package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// NewLocker builds a distributed lock client on top of client.
func NewLocker(client redis.UniversalClient) *redislock.Client {
	return redislock.New(client)
}

// WithLock runs fn while holding key. It reports false without running fn
// when another holder owns the lock.
func WithLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if locker == nil {
		return false, errors.New("platform/cache: locker not configured")
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("platform/cache: obtain %s: %w", key, err)
	}
	defer func() {
		// A fresh context so a cancelled run still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	return true, fn(ctx)
}
