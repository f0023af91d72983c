package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

const (
	DefaultLockPrefix = "intake:lock:"

	minLockBackoff = 10 * time.Millisecond
	maxLockBackoff = 500 * time.Millisecond
)

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock is a held lock. The token identifies this holder so that a lock
// which expired and was taken by another worker is never released by us.
type Lock struct {
	client *Client
	key    string
	token  string
}

func (l *Lock) Key() string { return l.key }

// Locker serializes work on one temporary registration id across workers.
type Locker struct {
	client *Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker returns a Locker whose locks expire after ttl and whose
// WithLock waits at most wait for a busy key.
func NewLocker(client *Client, prefix string, ttl, wait time.Duration) *Locker {
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

// Acquire makes one attempt to take the lock.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.Debug().Str("key", lockKey).Msg("acquired lock")
	return &Lock{client: l.client, key: lockKey, token: token}, nil
}

// TryAcquire retries Acquire with capped exponential backoff until timeout.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := minLockBackoff

	for {
		lock, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxLockBackoff {
		return maxLockBackoff
	}
	return d
}

// WithLock runs fn while holding the lock on key. The release error is
// logged, not returned: fn's result is what the caller acts on.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	lock, err := l.TryAcquire(ctx, key, l.ttl, l.wait)
	if err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was cancelled mid-flight.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(relCtx); err != nil {
			l.client.logger.Warn().Err(err).Str("key", lock.key).Msg("failed to release lock")
		}
	}()

	return fn(ctx)
}

func (lock *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	lock.client.logger.Debug().Str("key", lock.key).Msg("released lock")
	return nil
}
