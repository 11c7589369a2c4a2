package core

import (
	"context"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData answers read-only market queries. Store failures degrade to
// empty results and are logged.
type MarketData struct {
	book   port.Book
	trades port.TradeLog
	cache  port.Cache
	log    *zap.Logger
	now    func() time.Time
}

func NewMarketData(book port.Book, trades port.TradeLog, cache port.Cache, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		book:   book,
		trades: trades,
		cache:  cache,
		log:    log.Named("marketdata"),
		now:    time.Now,
	}
}

func (m *MarketData) Volume(ctx context.Context, instrument domain.Instrument) domain.Volume {
	v, err := m.trades.Volume(ctx, instrument)
	if err != nil {
		m.log.Warn("volume_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return domain.Volume{}
	}
	return v
}

// High is the highest executing price, or false if nothing has traded.
func (m *MarketData) High(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool) {
	p, ok, err := m.trades.High(ctx, instrument)
	if err != nil {
		m.log.Warn("high_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return decimal.Zero, false
	}
	return p, ok
}

func (m *MarketData) Low(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool) {
	p, ok, err := m.trades.Low(ctx, instrument)
	if err != nil {
		m.log.Warn("low_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return decimal.Zero, false
	}
	return p, ok
}

// Trades lists completed trades, oldest first.
func (m *MarketData) Trades(ctx context.Context, instrument domain.Instrument) []domain.Trade {
	trades, err := m.trades.Trades(ctx, instrument)
	if err != nil {
		m.log.Warn("trades_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return []domain.Trade{}
	}
	return trades
}

// Book returns the aggregated order book, served from the cache when a
// fresh snapshot is there.
func (m *MarketData) Book(ctx context.Context, instrument domain.Instrument) *domain.OrderbookSnapshot {
	if m.cache != nil {
		if ob, err := m.cache.GetOrderbook(ctx, instrument); err == nil && ob != nil {
			return ob
		}
	}

	ob := &domain.OrderbookSnapshot{
		Instrument: instrument,
		Bids:       []domain.Level{},
		Asks:       []domain.Level{},
		Timestamp:  m.now().UTC(),
	}
	bids, err := m.book.Resting(ctx, instrument, domain.Buy)
	if err != nil {
		m.log.Warn("orderbook_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return ob
	}
	asks, err := m.book.Resting(ctx, instrument, domain.Sell)
	if err != nil {
		m.log.Warn("orderbook_unavailable", zap.Stringer("instrument", instrument), zap.Error(err))
		return ob
	}
	if levels := domain.Aggregate(bids); levels != nil {
		ob.Bids = levels
	}
	if levels := domain.Aggregate(asks); levels != nil {
		ob.Asks = levels
	}

	if m.cache != nil {
		if err := m.cache.SetOrderbook(ctx, ob); err != nil {
			m.log.Debug("orderbook_cache_set_failed", zap.Stringer("instrument", instrument), zap.Error(err))
		}
	}
	return ob
}
