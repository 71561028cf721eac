package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds keys with SET NX PX and a random token so only the
// holder can release. While held, the TTL is extended every TTL/3, so it
// only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	Client     *redis.Client
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		Client:     client,
		Prefix:     prefix,
		TTL:        ttl,
		RetryDelay: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	k := l.Prefix + key
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, k, token, l.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go l.keepAlive(k, token, stop)
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		if err := releaseScript.Run(ctx, l.Client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", k, err)
		}
		return nil
	}, true, nil
}

// keepAlive extends the key until stop is closed or the token no longer
// owns it. A failed extension is retried on the next tick.
func (l *RedisLocker) keepAlive(k, token string, stop <-chan struct{}) {
	interval := l.TTL / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, l.Client, []string{k}, token, l.TTL.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(l.RetryDelay)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
