package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue implements Queue using a single Redis list with key
// <prefix>tasks. Values are JSON-encoded tasks.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
	logger zerolog.Logger
}

// Ensure RedisQueue implements Queue
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue. prefix is optional but
// recommended (e.g. "placeflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "placeflow:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "tasks",
		wait:   time.Second,
		logger: logger,
	}
}

// Enqueue pushes a task onto the Redis list (LPUSH)
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
// BRPOP runs with a short server-side timeout so cancellation is noticed
// between polls.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(res) != 2 {
			q.logger.Warn().Interface("result", res).Msg("BRPOP returned unexpected result")
			continue
		}

		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued (LLEN)
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		q.logger.Warn().Err(err).Msg("LLEN failed")
		return 0
	}
	return int(n)
}
