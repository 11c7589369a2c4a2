package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Book is the order record store together with the per-instrument price
// indexes. Only the matching engine calls Put, Remove and Discard.
type Book interface {
	NextID(ctx context.Context) (string, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
	// Save upserts the record without touching the price index.
	Save(ctx context.Context, o *domain.Order) error
	// Put upserts the record and indexes it at its price.
	Put(ctx context.Context, o *domain.Order) error
	// Remove deletes the record and its index entry. Absent ids are a no-op.
	Remove(ctx context.Context, id string) error
	// Fill persists the remaining amounts of both sides of a fill in one
	// step. A side whose amount reached zero is removed.
	Fill(ctx context.Context, taker, maker *domain.Order) error
	// Discard drops an index entry and record even when the record is gone.
	Discard(ctx context.Context, instrument domain.Instrument, side domain.Side, id string) error
	// BestOpposite returns the best resting order that an order of the given
	// side would match against.
	BestOpposite(ctx context.Context, instrument domain.Instrument, side domain.Side) (domain.Quote, bool, error)
	// Resting lists one side of a book in priority order.
	Resting(ctx context.Context, instrument domain.Instrument, side domain.Side) ([]domain.Order, error)
	OrdersOf(ctx context.Context, ownerID int64) ([]string, error)
}
