package core

import (
	"context"
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderRequest is a new limit order. Amount is in minor units of the base
// currency.
type OrderRequest struct {
	OwnerID    int64
	Instrument domain.Instrument
	Side       domain.Side
	Price      decimal.Decimal
	Amount     int64
}

// Exchange is the request layer: it validates orders, reserves funds and
// hands work to the engine through the intake queue.
type Exchange struct {
	book    port.Book
	queue   port.Queue
	ledger  port.Ledger
	markets *domain.Markets
	log     *zap.Logger
	now     func() time.Time
}

func NewExchange(book port.Book, queue port.Queue, ledger port.Ledger, markets *domain.Markets, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		book:    book,
		queue:   queue,
		ledger:  ledger,
		markets: markets,
		log:     log.Named("exchange"),
		now:     time.Now,
	}
}

func (x *Exchange) validate(req OrderRequest) error {
	if !x.markets.Tradable(req.Instrument) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, req.Instrument)
	}
	if _, err := domain.ParseSide(string(req.Side)); err != nil {
		return err
	}
	if !req.Price.IsPositive() || !domain.ValidPrice(req.Price) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPrice, req.Price)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, req.Amount)
	}
	return nil
}

// reservation is what a new order locks in the ledger. The order value is
// checked for sells too: every fill settles an amount bounded by it.
func (x *Exchange) reservation(req OrderRequest) (string, int64, error) {
	quote, err := x.markets.QuoteUnits(req.Instrument, req.Amount, req.Price)
	if err != nil {
		return "", 0, err
	}
	if req.Side == domain.Sell {
		return req.Instrument.Base, req.Amount, nil
	}
	if quote <= 0 {
		return "", 0, fmt.Errorf("%w: order value rounds to zero %s", domain.ErrInvalidAmount, req.Instrument.Quote)
	}
	return req.Instrument.Quote, quote, nil
}

// PlaceOrder reserves funds, stores the order record and enqueues it for
// matching. The returned order is as submitted; matching happens later.
func (x *Exchange) PlaceOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	if err := x.validate(req); err != nil {
		return nil, err
	}
	currency, reserve, err := x.reservation(req)
	if err != nil {
		return nil, err
	}
	known, err := x.ledger.UserExists(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownUser, req.OwnerID)
	}
	if err := x.ledger.Adjust(ctx, req.OwnerID, currency, -reserve); err != nil {
		return nil, err
	}

	o, err := x.enqueue(ctx, req)
	if err != nil {
		if o != nil {
			if rmErr := x.book.Remove(ctx, o.ID); rmErr != nil {
				x.log.Error("order_cleanup_failed", zap.String("order_id", o.ID), zap.Error(rmErr))
			}
		}
		if refundErr := x.ledger.Adjust(ctx, req.OwnerID, currency, reserve); refundErr != nil {
			x.log.Error("reservation_refund_failed",
				zap.Int64("owner_id", req.OwnerID),
				zap.String("currency", currency),
				zap.Int64("amount", reserve),
				zap.Error(refundErr))
		}
		return nil, err
	}

	x.log.Info("order_accepted",
		zap.String("order_id", o.ID),
		zap.Int64("owner_id", o.OwnerID),
		zap.Stringer("instrument", o.Instrument),
		zap.String("side", string(o.Side)),
		zap.String("price", o.Price.String()),
		zap.Int64("amount", o.Amount),
		zap.Int64("reserved", reserve))
	return o, nil
}

// enqueue writes the record before the queue entry. A non-nil order with an
// error means the record may exist and must be cleaned up.
func (x *Exchange) enqueue(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	id, err := x.book.NextID(ctx)
	if err != nil {
		return nil, err
	}
	o := &domain.Order{
		ID:         id,
		Instrument: req.Instrument,
		Side:       req.Side,
		Price:      req.Price,
		Amount:     req.Amount,
		Original:   req.Amount,
		OwnerID:    req.OwnerID,
		CreatedAt:  x.now().UTC(),
	}
	if err := x.book.Save(ctx, o); err != nil {
		return o, err
	}
	if err := x.queue.Push(ctx, domain.NewOrderEntry(o)); err != nil {
		return o, err
	}
	return o, nil
}

// CancelOrder asks the engine to cancel a live order. The cancellation is
// applied asynchronously; an order filled in the meantime stays filled.
func (x *Exchange) CancelOrder(ctx context.Context, ownerID int64, orderID string) error {
	if _, err := x.Order(ctx, ownerID, orderID); err != nil {
		return err
	}
	if err := x.queue.Push(ctx, domain.NewCancelEntry(orderID, ownerID)); err != nil {
		return err
	}
	x.log.Info("cancel_requested", zap.String("order_id", orderID), zap.Int64("owner_id", ownerID))
	return nil
}

// Order returns a live order owned by ownerID. Orders of other users are
// reported as not found.
func (x *Exchange) Order(ctx context.Context, ownerID int64, orderID string) (*domain.Order, error) {
	o, err := x.book.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != ownerID {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

func (x *Exchange) OpenOrders(ctx context.Context, ownerID int64) ([]domain.Order, error) {
	ids, err := x.book.OrdersOf(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := x.book.Get(ctx, id)
		if err != nil {
			x.log.Debug("open_order_skipped", zap.String("order_id", id), zap.Error(err))
			continue
		}
		res = append(res, *o)
	}
	return res, nil
}

func (x *Exchange) Balance(ctx context.Context, ownerID int64, currency string) (int64, error) {
	if _, err := x.markets.Currency(currency); err != nil {
		return 0, err
	}
	return x.ledger.Balance(ctx, ownerID, currency)
}

func (x *Exchange) History(ctx context.Context, ownerID int64, limit int) ([]domain.HistoryEntry, error) {
	return x.ledger.History(ctx, ownerID, limit)
}

func (x *Exchange) Markets() *domain.Markets {
	return x.markets
}
