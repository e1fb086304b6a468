package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("redis: lock held by another owner")

// Locker hands out short-lived exclusive locks keyed by name.
type Locker struct {
	client *redislock.Client
	prefix string
}

// NewLocker wraps client. prefix namespaces every lock key.
func NewLocker(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: redislock.New(client), prefix: prefix}
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	lock *redislock.Lock
}

// Obtain takes the lock without waiting. ttl bounds how long a crashed holder
// can keep others out.
func (l *Locker) Obtain(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", name, err)
	}
	return &Lock{lock: lock}, nil
}

// Refresh extends the lock by ttl.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// Release drops the lock. A lock that already expired is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.lock == nil {
		return nil
	}
	err := l.lock.Release(ctx)
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
