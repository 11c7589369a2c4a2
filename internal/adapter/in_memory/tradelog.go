package in_memory

import (
	"context"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

type TradeLog struct {
	mu     sync.Mutex
	seq    int64
	ids    map[string]struct{}
	trades map[domain.Instrument][]domain.Trade
}

var _ port.TradeLog = (*TradeLog)(nil)

func NewTradeLog() *TradeLog {
	return &TradeLog{
		ids:    make(map[string]struct{}),
		trades: make(map[domain.Instrument][]domain.Trade),
	}
}

func (l *TradeLog) Append(ctx context.Context, t domain.Trade) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[t.ID]; ok {
		return false, nil
	}
	l.ids[t.ID] = struct{}{}
	l.seq++
	t.Seq = l.seq
	l.trades[t.Instrument] = append(l.trades[t.Instrument], t)
	return true, nil
}

func (l *TradeLog) Retract(ctx context.Context, instrument domain.Instrument, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; !ok {
		return nil
	}
	delete(l.ids, id)
	trades := l.trades[instrument]
	for i, t := range trades {
		if t.ID == id {
			l.trades[instrument] = append(trades[:i:i], trades[i+1:]...)
			break
		}
	}
	return nil
}

func (l *TradeLog) Trades(ctx context.Context, instrument domain.Instrument) ([]domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]domain.Trade, len(l.trades[instrument]))
	copy(res, l.trades[instrument])
	return res, nil
}

func (l *TradeLog) Volume(ctx context.Context, instrument domain.Instrument) (domain.Volume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var v domain.Volume
	for _, t := range l.trades[instrument] {
		v.Base += t.BaseAmount
		v.Quote += t.QuoteAmount
	}
	return v, nil
}

func (l *TradeLog) High(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error) {
	return l.extreme(instrument, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

func (l *TradeLog) Low(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error) {
	return l.extreme(instrument, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func (l *TradeLog) extreme(instrument domain.Instrument, better func(a, b decimal.Decimal) bool) (decimal.Decimal, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trades := l.trades[instrument]
	if len(trades) == 0 {
		return decimal.Zero, false, nil
	}
	best := trades[0].Price
	for _, t := range trades[1:] {
		if better(t.Price, best) {
			best = t.Price
		}
	}
	return best, true, nil
}

// Publisher records published trades.
type Publisher struct {
	mu     sync.Mutex
	trades []domain.Trade
}

var _ port.TradePublisher = (*Publisher)(nil)

func (p *Publisher) PublishTrade(ctx context.Context, t domain.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
	return nil
}

func (p *Publisher) Published() []domain.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]domain.Trade, len(p.trades))
	copy(res, p.trades)
	return res
}
