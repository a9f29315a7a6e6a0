package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/sicko7947/placeflow"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements placeflow.InstanceLocker using Redis SET NX PX
type RedisLocker struct {
	client backend.UniversalClient
	prefix string
	poll   time.Duration
}

// Verify interface compliance
var _ placeflow.InstanceLocker = (*RedisLocker)(nil)

// RedisOption configures a RedisLocker
type RedisOption func(*RedisLocker)

// WithPollInterval sets how often a blocked Lock retries
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.poll = d
	}
}

// NewRedisLocker creates a new Redis locker. Keys are stored as
// prefix+"lock:"+key.
func NewRedisLocker(client backend.UniversalClient, prefix string, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: prefix,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires a distributed lock for key, polling until it is free or ctx
// is done
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (placeflow.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				n, err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Int()
				if err != nil {
					return fmt.Errorf("redis error releasing lock: %w", err)
				}
				if n == 0 {
					return ErrLockLost
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
