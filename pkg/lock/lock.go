// Package lock provides lease-based mutual exclusion keyed by business
// identifiers such as "cart:complete:123".
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrLockHeld = errors.New("lock is held by another owner")
	ErrNotOwner = errors.New("lock is not owned by this token")
)

// Locker grants leases identified by an opaque token. Only the holder of the
// token may refresh or release the lease; an expired lease can be taken by
// anyone.
type Locker interface {
	// TryAcquire takes the lease without waiting. It returns ErrLockHeld when
	// another token holds key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Refresh extends the lease held by token, or returns ErrNotOwner.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error

	// Release drops the lease held by token. Releasing a lease that has
	// expired or moved to another owner returns ErrNotOwner.
	Release(ctx context.Context, key, token string) error
}

// Policy controls how long Acquire keeps retrying a contended key. The zero
// value fails fast.
type Policy struct {
	Wait          time.Duration
	RetryInterval time.Duration
}

// Acquire takes key according to policy and returns the lease token.
func Acquire(ctx context.Context, locker Locker, key string, ttl time.Duration, policy Policy) (string, error) {
	token, err := locker.TryAcquire(ctx, key, ttl)
	if err == nil || !errors.Is(err, ErrLockHeld) || policy.Wait <= 0 {
		return token, err
	}

	interval := policy.RetryInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.NewTimer(policy.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", errors.WithMessagef(ErrLockHeld, "waited %s for %s", policy.Wait, key)
		case <-ticker.C:
			token, err = locker.TryAcquire(ctx, key, ttl)
			if err == nil || !errors.Is(err, ErrLockHeld) {
				return token, err
			}
		}
	}
}

func newToken() string {
	return uuid.NewString()
}
