package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/metrics"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrReservationViolation means a settlement would have driven a balance
	// negative, so funds reserved at submission no longer cover the fill.
	ErrReservationViolation = errors.New("reservation invariant violated")
	ErrAlreadyRunning       = errors.New("engine already running")

	errFillAbandoned = errors.New("fill abandoned")
)

var (
	tradeNamespace  = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:spot-exchange:trade"))
	cancelNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:spot-exchange:cancel"))
)

// Deps are the stores the engine reads and writes. Cache, Publisher and
// Metrics are optional.
type Deps struct {
	Book      port.Book
	Queue     port.Queue
	Ledger    port.Ledger
	Trades    port.TradeLog
	Markets   *domain.Markets
	Cache     port.Cache
	Publisher port.TradePublisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Option func(*Engine)

func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pollTimeout = d }
}

func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) { e.retryInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine consumes the intake queue and matches orders against the book. It is
// the only writer of the book and the trade log.
type Engine struct {
	book      port.Book
	queue     port.Queue
	ledger    port.Ledger
	trades    port.TradeLog
	markets   *domain.Markets
	cache     port.Cache
	publisher port.TradePublisher
	metrics   *metrics.Metrics
	log       *zap.Logger

	now           func() time.Time
	pollTimeout   time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	running atomic.Bool
}

func NewEngine(d Deps, opts ...Option) *Engine {
	e := &Engine{
		book:          d.Book,
		queue:         d.Queue,
		ledger:        d.Ledger,
		trades:        d.Trades,
		markets:       d.Markets,
		cache:         d.Cache,
		publisher:     d.Publisher,
		metrics:       d.Metrics,
		log:           d.Logger,
		now:           time.Now,
		pollTimeout:   time.Second,
		retryInterval: time.Second,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("engine")
	if e.metrics == nil {
		e.metrics = metrics.New("exchange", nil)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes queue entries until ctx is cancelled. Transient store errors
// are logged and retried; a reservation violation stops the loop.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.requeue(ctx)
	e.log.Info("engine_started",
		zap.Duration("poll_timeout", e.pollTimeout),
		zap.Duration("retry_interval", e.retryInterval))

	for {
		if ctx.Err() != nil {
			e.log.Info("engine_stopped")
			return nil
		}
		_, err := e.ProcessOnce(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrReservationViolation):
			e.log.Error("engine_halted", zap.Error(err))
			return err
		case ctx.Err() != nil:
			e.log.Info("engine_stopped")
			return nil
		default:
			e.metrics.StoreErrors.Inc()
			e.log.Warn("store_error", zap.Error(err), zap.Duration("retry_in", e.retryInterval))
			select {
			case <-ctx.Done():
				e.log.Info("engine_stopped")
				return nil
			case <-time.After(e.retryInterval):
			}
			e.requeue(ctx)
		}
	}
}

func (e *Engine) requeue(ctx context.Context) {
	n, err := e.queue.Requeue(ctx)
	if err != nil {
		e.log.Warn("requeue_failed", zap.Error(err))
		return
	}
	if n > 0 {
		e.log.Info("requeued_deliveries", zap.Int("count", n))
	}
}

// ProcessOnce handles at most one queue entry. It reports false when the
// queue stayed empty for the poll timeout. An entry whose handling fails is
// left unacknowledged.
func (e *Engine) ProcessOnce(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.queue.Pop(ctx, e.pollTimeout)
	if errors.Is(err, domain.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	start := e.now()

	entry, err := domain.DecodeEntry(d.Payload)
	if err != nil {
		e.log.Warn("malformed_entry", zap.Error(err), zap.ByteString("payload", d.Payload))
		e.metrics.EntriesDiscarded.WithLabelValues("malformed").Inc()
		return true, e.queue.Ack(ctx, d)
	}

	var touched domain.Instrument
	switch entry.Kind {
	case domain.KindCancel:
		touched, err = e.cancel(ctx, entry)
	case domain.KindOrder:
		touched, err = e.submit(ctx, entry)
	}
	if err != nil {
		return true, err
	}
	if err := e.queue.Ack(ctx, d); err != nil {
		return true, err
	}

	if !touched.IsZero() && e.cache != nil {
		if err := e.cache.Invalidate(ctx, touched); err != nil {
			e.log.Warn("cache_invalidate_failed", zap.Stringer("instrument", touched), zap.Error(err))
		}
	}
	e.metrics.EntriesProcessed.WithLabelValues(string(entry.Kind)).Inc()
	e.metrics.MatchLatency.Observe(e.now().Sub(start).Seconds())
	return true, nil
}

// load resolves an order record. A missing record yields nil; a corrupt one
// is removed and also yields nil.
func (e *Engine) load(ctx context.Context, id string) (*domain.Order, error) {
	o, err := e.book.Get(ctx, id)
	switch {
	case err == nil:
		return o, nil
	case errors.Is(err, domain.ErrOrderNotFound):
		return nil, nil
	case errors.Is(err, domain.ErrCorruptRecord):
		e.log.Warn("corrupt_order_removed", zap.String("order_id", id), zap.Error(err))
		e.metrics.SelfHealed.WithLabelValues("corrupt_record").Inc()
		return nil, e.book.Remove(ctx, id)
	default:
		return nil, err
	}
}

func (e *Engine) cancel(ctx context.Context, entry domain.Entry) (domain.Instrument, error) {
	o, err := e.load(ctx, entry.TargetOrderID)
	if err != nil {
		return domain.Instrument{}, err
	}
	if o == nil {
		e.log.Debug("cancel_target_absent", zap.String("order_id", entry.TargetOrderID))
		e.metrics.EntriesDiscarded.WithLabelValues("absent").Inc()
		return domain.Instrument{}, nil
	}
	if o.OwnerID != entry.OwnerID {
		e.log.Warn("cancel_owner_mismatch",
			zap.String("order_id", o.ID),
			zap.Int64("owner_id", o.OwnerID),
			zap.Int64("requested_by", entry.OwnerID))
		e.metrics.EntriesDiscarded.WithLabelValues("owner_mismatch").Inc()
		return domain.Instrument{}, nil
	}

	currency, refund, err := e.reserved(o)
	if err != nil {
		return domain.Instrument{}, err
	}
	if refund > 0 {
		s := domain.Settlement{
			ID:      uuid.NewSHA1(cancelNamespace, []byte(o.ID)).String(),
			Credits: []domain.Credit{{UserID: o.OwnerID, Currency: currency, Amount: refund}},
		}
		if err := e.ledger.Settle(ctx, s); err != nil {
			if !errors.Is(err, domain.ErrUnknownUser) {
				return domain.Instrument{}, err
			}
			e.log.Warn("cancel_refund_unknown_user", zap.String("order_id", o.ID), zap.Int64("owner_id", o.OwnerID))
		}
	}
	if err := e.book.Remove(ctx, o.ID); err != nil {
		return domain.Instrument{}, err
	}

	e.metrics.Cancellations.WithLabelValues(o.Instrument.String()).Inc()
	e.log.Info("order_cancelled",
		zap.String("order_id", o.ID),
		zap.Stringer("instrument", o.Instrument),
		zap.String("currency", currency),
		zap.Int64("refund", refund))
	return o.Instrument, nil
}

// reserved is what the request layer still holds for o: quote at the order's
// own limit for the unfilled part of a buy, the remaining base of a sell.
func (e *Engine) reserved(o *domain.Order) (string, int64, error) {
	if o.Side == domain.Sell {
		return o.Instrument.Base, o.Amount, nil
	}
	total, err := e.markets.QuoteUnits(o.Instrument, o.Original, o.Price)
	if err != nil {
		return "", 0, err
	}
	spent, err := e.markets.QuoteUnits(o.Instrument, o.Filled(), o.Price)
	if err != nil {
		return "", 0, err
	}
	return o.Instrument.Quote, total - spent, nil
}

func (e *Engine) submit(ctx context.Context, entry domain.Entry) (domain.Instrument, error) {
	in, err := e.load(ctx, entry.OrderID)
	if err != nil {
		return domain.Instrument{}, err
	}
	if in == nil {
		e.log.Debug("order_absent", zap.String("order_id", entry.OrderID))
		e.metrics.EntriesDiscarded.WithLabelValues("absent").Inc()
		return domain.Instrument{}, nil
	}
	if in.Amount <= 0 {
		e.metrics.EntriesDiscarded.WithLabelValues("empty").Inc()
		return in.Instrument, e.book.Remove(ctx, in.ID)
	}

	known, err := e.ledger.UserExists(ctx, in.OwnerID)
	if err != nil {
		return domain.Instrument{}, err
	}
	if !known {
		return in.Instrument, e.dropIncoming(ctx, in)
	}

	if err := e.match(ctx, in); err != nil {
		return domain.Instrument{}, err
	}
	return in.Instrument, nil
}

// dropIncoming removes an order whose owner is gone, along with the logged
// trade of a fill it had in flight.
func (e *Engine) dropIncoming(ctx context.Context, in *domain.Order) error {
	best, ok, err := e.book.BestOpposite(ctx, in.Instrument, in.Side)
	if err != nil {
		return err
	}
	if ok {
		counter, err := e.load(ctx, best.OrderID)
		if err != nil {
			return err
		}
		if counter != nil && counter.Amount > 0 && in.Crosses(counter.Price) {
			if err := e.abandon(ctx, in, counter); err != nil {
				return err
			}
		}
	}
	e.log.Warn("order_owner_unknown", zap.String("order_id", in.ID), zap.Int64("owner_id", in.OwnerID))
	e.metrics.EntriesDiscarded.WithLabelValues("unknown_owner").Inc()
	return e.book.Remove(ctx, in.ID)
}

// abandon retracts the logged trade of the next fill between in and counter
// unless the ledger already settled it.
func (e *Engine) abandon(ctx context.Context, in, counter *domain.Order) error {
	id := tradeID(in, counter, min(in.Amount, counter.Amount))
	settled, err := e.ledger.Settled(ctx, id)
	if err != nil {
		return err
	}
	if settled {
		return nil
	}
	if err := e.trades.Retract(ctx, in.Instrument, id); err != nil {
		return err
	}
	e.log.Debug("trade_retracted", zap.String("trade_id", id))
	return nil
}

func tradeID(in, counter *domain.Order, amount int64) string {
	return uuid.NewSHA1(tradeNamespace, []byte(fmt.Sprintf("%s:%s:%d", in.ID, counter.ID, amount))).String()
}

func (e *Engine) match(ctx context.Context, in *domain.Order) error {
	for in.Amount > 0 {
		best, ok, err := e.book.BestOpposite(ctx, in.Instrument, in.Side)
		if err != nil {
			return err
		}
		if !ok || !in.Crosses(best.Price) {
			break
		}

		counter, err := e.load(ctx, best.OrderID)
		if err != nil {
			return err
		}
		if counter == nil {
			e.log.Warn("dangling_index_entry",
				zap.String("order_id", best.OrderID),
				zap.Stringer("instrument", in.Instrument),
				zap.String("side", string(in.Side.Opposite())))
			e.metrics.SelfHealed.WithLabelValues("index").Inc()
			if err := e.book.Discard(ctx, in.Instrument, in.Side.Opposite(), best.OrderID); err != nil {
				return err
			}
			continue
		}

		known, err := e.ledger.UserExists(ctx, counter.OwnerID)
		if err != nil {
			return err
		}
		if !known || counter.Amount <= 0 {
			if counter.Amount > 0 {
				if err := e.abandon(ctx, in, counter); err != nil {
					return err
				}
			}
			e.log.Warn("resting_order_removed",
				zap.String("order_id", counter.ID),
				zap.Int64("owner_id", counter.OwnerID),
				zap.Int64("amount", counter.Amount))
			e.metrics.SelfHealed.WithLabelValues("order").Inc()
			if err := e.book.Remove(ctx, counter.ID); err != nil {
				return err
			}
			continue
		}
		// The index price is a float score; the record is authoritative.
		if !in.Crosses(counter.Price) {
			break
		}

		err = e.fill(ctx, in, counter)
		if errors.Is(err, errFillAbandoned) {
			known, err := e.ledger.UserExists(ctx, in.OwnerID)
			if err != nil {
				return err
			}
			if !known {
				return e.dropIncoming(ctx, in)
			}
			continue
		}
		if err != nil {
			return err
		}
	}

	if in.Amount > 0 {
		if err := e.book.Put(ctx, in); err != nil {
			return err
		}
		e.metrics.OrdersRested.WithLabelValues(in.Instrument.String(), string(in.Side)).Inc()
		e.log.Info("order_rested",
			zap.String("order_id", in.ID),
			zap.Stringer("instrument", in.Instrument),
			zap.String("side", string(in.Side)),
			zap.String("price", in.Price.String()),
			zap.Int64("amount", in.Amount))
		return nil
	}
	return e.book.Remove(ctx, in.ID)
}

// fill executes one trade between the incoming order and the best resting
// counter at the counter's price.
func (e *Engine) fill(ctx context.Context, in, counter *domain.Order) error {
	amount := min(in.Amount, counter.Amount)
	buyer, seller := in, counter
	if in.Side == domain.Sell {
		buyer, seller = counter, in
	}
	price := counter.Price

	paid, refund, err := e.buyerQuote(buyer, amount, price)
	if err != nil {
		return err
	}

	t := domain.Trade{
		ID:          tradeID(in, counter, amount),
		Instrument:  in.Instrument,
		Price:       price,
		BaseAmount:  amount,
		QuoteAmount: paid,
		BuyOrderID:  buyer.ID,
		SellOrderID: seller.ID,
		BuyerID:     buyer.OwnerID,
		SellerID:    seller.OwnerID,
		TakerSide:   in.Side,
		CreatedAt:   e.now().UTC(),
	}
	fresh, err := e.trades.Append(ctx, t)
	if err != nil {
		return err
	}

	credits := []domain.Credit{
		{UserID: seller.OwnerID, Currency: t.Instrument.Quote, Amount: paid},
		{UserID: buyer.OwnerID, Currency: t.Instrument.Base, Amount: amount},
	}
	if refund > 0 {
		credits = append(credits, domain.Credit{UserID: buyer.OwnerID, Currency: t.Instrument.Quote, Amount: refund})
	}
	if err := e.ledger.Settle(ctx, domain.Settlement{ID: t.ID, Credits: credits, Trade: &t}); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return fmt.Errorf("%w: trade %s: %v", ErrReservationViolation, t.ID, err)
		}
		if errors.Is(err, domain.ErrUnknownUser) {
			e.log.Warn("fill_abandoned", zap.String("trade_id", t.ID), zap.Error(err))
			if err := e.trades.Retract(ctx, t.Instrument, t.ID); err != nil {
				return err
			}
			return errFillAbandoned
		}
		return err
	}

	in.Amount -= amount
	counter.Amount -= amount
	if err := e.book.Fill(ctx, in, counter); err != nil {
		return err
	}

	e.metrics.TradesExecuted.WithLabelValues(t.Instrument.String()).Inc()
	e.metrics.BaseVolume.WithLabelValues(t.Instrument.String()).Add(float64(amount))
	e.log.Info("trade_executed",
		zap.String("trade_id", t.ID),
		zap.Stringer("instrument", t.Instrument),
		zap.String("buy_order_id", t.BuyOrderID),
		zap.String("sell_order_id", t.SellOrderID),
		zap.String("price", price.String()),
		zap.Int64("base_amount", amount),
		zap.Int64("quote_amount", paid),
		zap.Bool("replayed", !fresh))

	if e.publisher != nil {
		if err := e.publisher.PublishTrade(ctx, t); err != nil {
			e.log.Warn("trade_publish_failed", zap.String("trade_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// buyerQuote returns what the buyer pays the seller for amount at the
// execution price, and how much of the buyer's reservation is returned
// because the execution price was better than the buyer's limit. paid plus
// refund is exactly the part of the reservation that this fill releases.
func (e *Engine) buyerQuote(buyer *domain.Order, amount int64, price decimal.Decimal) (int64, int64, error) {
	before, err := e.markets.QuoteUnits(buyer.Instrument, buyer.Filled(), buyer.Price)
	if err != nil {
		return 0, 0, err
	}
	after, err := e.markets.QuoteUnits(buyer.Instrument, buyer.Filled()+amount, buyer.Price)
	if err != nil {
		return 0, 0, err
	}
	released := after - before

	cost, err := e.markets.QuoteUnits(buyer.Instrument, amount, price)
	if err != nil {
		return 0, 0, err
	}
	paid := min(cost, released)
	return paid, released - paid, nil
}
