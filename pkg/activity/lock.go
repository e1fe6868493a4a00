package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL  = 30 * time.Second
	DefaultLockWait = 30 * time.Second
)

// Locker hands out named exclusive locks with a bounded wait.
type Locker interface {
	Obtain(ctx context.Context, key string) (Unlocker, error)
}

type Unlocker interface {
	Release(ctx context.Context) error
}

// RedisLocker backs every activity lock with a redislock key so that writers
// in different processes exclude each other.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
}

// NewRedisLocker: ttl bounds how long a holder may keep the lock, wait bounds
// how long Obtain blocks before failing with ErrLockTimeout.
func NewRedisLocker(client redis.Scripter, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &RedisLocker{
		client:  redislock.New(client),
		ttl:     ttl,
		wait:    wait,
		backoff: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (Unlocker, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err == nil {
		return lock, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w (%s)", ErrLockTimeout, key)
	}
	return nil, fmt.Errorf("obtaining %s: %w", key, err)
}

// release never fails the caller: a lock that expired while held is logged
// and left to its TTL.
func release(lock Unlocker, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lock.Release(ctx); err != nil {
		logger.Log.WithError(err).WithField("lock", key).Warn("failed to release activity lock")
	}
}

// LocalLocker excludes holders of the same key within one process. It is
// only safe when the recorder and the uploader share that process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &LocalLocker{slots: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (Unlocker, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return &localLock{slot: slot}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w (%s)", ErrLockTimeout, key)
	}
}

type localLock struct {
	once sync.Once
	slot chan struct{}
}

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() { <-l.slot })
	return nil
}
