package in_memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

type Queue struct {
	mu       sync.Mutex
	items    [][]byte
	inflight [][]byte
	notify   chan struct{}
}

var _ port.Queue = (*Queue)(nil)

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(ctx context.Context, e domain.Entry) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	q.PushRaw(b)
	return nil
}

// PushRaw enqueues a payload as is.
func (q *Queue) PushRaw(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (domain.Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.inflight = append(q.inflight, b)
			q.mu.Unlock()
			return domain.Delivery{Payload: b}, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return domain.Delivery{}, domain.ErrQueueEmpty
		case <-ctx.Done():
			return domain.Delivery{}, ctx.Err()
		}
	}
}

func (q *Queue) Ack(ctx context.Context, d domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.inflight {
		if bytes.Equal(b, d.Payload) {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.inflight)
	q.items = append(q.inflight, q.items...)
	q.inflight = nil
	q.mu.Unlock()
	if n > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Inflight is the number of popped but unacknowledged deliveries.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
