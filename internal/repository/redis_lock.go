package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if it still holds our token, so an expired lock that
// another replica re-acquired is never released by us.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker is a cross-replica try-lock built on SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	token  func() string
}

func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "tradefeed:sync:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		token:  func() string { return uuid.NewString() },
	}
}

// TryLock never blocks waiting for the lock. ok is false when another holder
// owns key; err is set only when Redis itself failed.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	fullKey := l.prefix + key
	token := l.token()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release runs after the cycle context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(rctx, unlockScript, []string{fullKey}, token).Err(); err != nil {
			logger.Warn("redis unlock failed", "key", fullKey, "error", err)
		}
	}
	return release, true, nil
}
