package port

import (
	"context"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Queue is the FIFO intake queue between the request layer and the engine.
// Pop returns domain.ErrQueueEmpty when nothing arrives within timeout.
// Deliveries that are never acknowledged are handed out again after Requeue.
type Queue interface {
	Push(ctx context.Context, e domain.Entry) error
	Pop(ctx context.Context, timeout time.Duration) (domain.Delivery, error)
	Ack(ctx context.Context, d domain.Delivery) error
	Requeue(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
}
