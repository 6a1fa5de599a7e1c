package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agora-bot/internal/domain"
)

// RedisRecalcQueue реализует очередь запросов на пересчёт на базе Redis lists.
type RedisRecalcQueue struct {
	client *redis.Client
	key    string
}

// NewRedisRecalcQueue создаёт очередь по указанному ключу.
func NewRedisRecalcQueue(client *redis.Client, key string) *RedisRecalcQueue {
	return &RedisRecalcQueue{client: client, key: key}
}

// Enqueue публикует запрос в очередь.
func (q *RedisRecalcQueue) Enqueue(ctx context.Context, job domain.RecalcJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает запрос из очереди.
func (q *RedisRecalcQueue) Pop(ctx context.Context) (domain.RecalcJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RecalcJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.RecalcJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.RecalcJob{}, err
		}
		if len(res) != 2 {
			return domain.RecalcJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.RecalcJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.RecalcJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
