package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

// TradeLog is the per-instrument log of completed trades.
type TradeLog interface {
	// Append stores t and reports whether it was new. Appending an existing
	// trade id is a no-op.
	Append(ctx context.Context, t domain.Trade) (bool, error)
	// Retract removes a trade whose fill was abandoned before settlement.
	// Retracting an unknown id is a no-op.
	Retract(ctx context.Context, instrument domain.Instrument, id string) error
	Trades(ctx context.Context, instrument domain.Instrument) ([]domain.Trade, error)
	Volume(ctx context.Context, instrument domain.Instrument) (domain.Volume, error)
	High(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error)
	Low(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error)
}

// TradePublisher fans completed trades out to subscribers.
type TradePublisher interface {
	PublishTrade(ctx context.Context, t domain.Trade) error
}
