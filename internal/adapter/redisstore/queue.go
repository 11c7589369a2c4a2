package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/redis/go-redis/v9"
)

// Queue is a reliable FIFO: Pop atomically moves an entry to a processing
// list where it stays until acknowledged.
type Queue struct {
	client *redis.Client
}

var _ port.Queue = (*Queue)(nil)

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Push(ctx context.Context, e domain.Entry) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, queueKey, b).Err(); err != nil {
		return fmt.Errorf("redis: push %s entry: %w", e.Kind, err)
	}
	return nil
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (domain.Delivery, error) {
	payload, err := q.client.BLMove(ctx, queueKey, processingKey, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Delivery{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("redis: pop: %w", err)
	}
	return domain.Delivery{Payload: []byte(payload)}, nil
}

func (q *Queue) Ack(ctx context.Context, d domain.Delivery) error {
	if err := q.client.LRem(ctx, processingKey, 1, d.Payload).Err(); err != nil {
		return fmt.Errorf("redis: ack: %w", err)
	}
	return nil
}

// Requeue moves every unacknowledged entry back to the head of the queue,
// preserving their original order.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, processingKey, queueKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis: requeue: %w", err)
		}
		n++
	}
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}
