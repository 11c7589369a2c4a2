package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Cache keeps rendered order book snapshots between engine updates.
type Cache interface {
	SetOrderbook(ctx context.Context, ob *domain.OrderbookSnapshot) error
	GetOrderbook(ctx context.Context, instrument domain.Instrument) (*domain.OrderbookSnapshot, error)
	Invalidate(ctx context.Context, instrument domain.Instrument) error
}
