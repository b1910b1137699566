package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/logging"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)
)

type RedisLocker struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(client redis.Cmdable, prefix string, logger *zap.Logger) *RedisLocker {
	logger = logging.OrNop(logger)
	return &RedisLocker{client: client, prefix: prefix, logger: logger}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return "", errors.WithMessagef(ErrLockHeld, "key %s", key)
	}
	return token, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	reply, err := refreshScript.Run(ctx, l.client, []string{l.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Wrapf(err, "refresh lock %s", key)
	}
	if reply != 1 {
		return errors.WithMessagef(ErrNotOwner, "key %s", key)
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	// The caller's context may already be cancelled; the lease still has to go.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	reply, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int64()
	if err != nil {
		l.logger.Warn("failed to release lock", zap.String("lock_key", key), zap.Error(err))
		return errors.Wrapf(err, "release lock %s", key)
	}
	if reply != 1 {
		return errors.WithMessagef(ErrNotOwner, "key %s", key)
	}
	return nil
}
