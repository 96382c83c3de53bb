package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short-lived mutexes stored as single Redis keys (SET NX PX).
type Locker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewLocker creates a Redis-backed locker. Keys are namespaced with "lock:".
func NewLocker(client *redis.Client, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, prefix: "lock:", logger: logger}
}

// Acquire tries once to take the lock for ttl. When acquired is false another holder owns it.
// release is a no-op when the lock was not acquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), acquired bool, err error) {
	token, err := newToken()
	if err != nil {
		return func(context.Context) {}, false, err
	}
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return func(context.Context) {}, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return func(context.Context) {}, false, nil
	}
	release = func(ctx context.Context) {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("release lock failed", zap.String("key", fullKey), zap.Error(err))
		}
	}
	return release, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
