package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	token    string
	expireAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]localLease),
		now:    time.Now,
	}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expireAt) {
		return "", errors.WithMessagef(ErrLockHeld, "key %s", key)
	}

	token := newToken()
	l.leases[key] = localLease{token: token, expireAt: now.Add(ttl)}
	return token, nil
}

func (l *LocalLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lease, ok := l.leases[key]
	if !ok || lease.token != token || !now.Before(lease.expireAt) {
		return errors.WithMessagef(ErrNotOwner, "key %s", key)
	}
	lease.expireAt = now.Add(ttl)
	l.leases[key] = lease
	return nil
}

func (l *LocalLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[key]
	if !ok || lease.token != token {
		return errors.WithMessagef(ErrNotOwner, "key %s", key)
	}
	delete(l.leases, key)
	if !l.now().Before(lease.expireAt) {
		return errors.WithMessagef(ErrNotOwner, "key %s expired", key)
	}
	return nil
}
