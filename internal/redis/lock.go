package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only if the caller still owns it, so a
// run that outlived its TTL cannot drop a lock a newer run acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TickLock is a Redis lease that keeps dispatch ticks mutually exclusive
// across replicas. Only the claim itself is atomic in the store; without
// this lock, overlapping ticks could interleave and break pacing.
type TickLock struct {
	client *Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
}

// NewTickLock creates a tick lock. The TTL should comfortably exceed the
// longest expected tick so the lease doesn't lapse mid-run.
func NewTickLock(client *Client, logger *zap.Logger, key string, ttl time.Duration) *TickLock {
	if key == "" {
		key = "courier:dispatch:lock"
	}
	if ttl == 0 {
		ttl = 2 * time.Minute
	}

	return &TickLock{
		client: client,
		logger: logger,
		key:    key,
		ttl:    ttl,
	}
}

// Acquire attempts to take the lease. It returns a release token and true on
// success, or false when another run holds the lock.
func (l *TickLock) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		l.logger.Debug("tick lock held by another run", zap.String("key", l.key))
		return "", false, nil
	}

	return token, true, nil
}

// Release gives the lease back if the token still owns it.
func (l *TickLock) Release(ctx context.Context, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release tick lock: %w", err)
	}
	if deleted == 0 {
		l.logger.Warn("tick lock expired before release", zap.String("key", l.key))
	}

	return nil
}
