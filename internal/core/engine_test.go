package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/olyamironova/spot-exchange/internal/adapter/in_memory"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/metrics"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	ltcBTC  = domain.Instrument{Base: "ltc", Quote: "btc"}
	dogeBTC = domain.Instrument{Base: "doge", Quote: "btc"}

	errStore = errors.New("store unavailable")
)

const coin = 100_000_000

type harness struct {
	store   *in_memory.Book
	queue   *in_memory.Queue
	wallets *in_memory.Ledger
	trades  *in_memory.TradeLog
	pub     *in_memory.Publisher
	cache   *in_memory.Cache
	metrics *metrics.Metrics
	markets *domain.Markets

	book   port.Book
	ledger port.Ledger

	engine   *Engine
	exchange *Exchange
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	markets, err := domain.NewMarkets(
		[]domain.Currency{
			{Code: "btc", Multiplier: coin},
			{Code: "ltc", Multiplier: coin},
			{Code: "doge", Multiplier: coin},
		},
		[]domain.Instrument{ltcBTC, dogeBTC},
	)
	require.NoError(t, err)

	h := &harness{
		store:   in_memory.NewBook(),
		queue:   in_memory.NewQueue(),
		wallets: in_memory.NewLedger(),
		trades:  in_memory.NewTradeLog(),
		pub:     &in_memory.Publisher{},
		cache:   in_memory.NewCache(),
		metrics: metrics.New("test", prometheus.NewRegistry()),
		markets: markets,
	}
	h.book = h.store
	h.ledger = h.wallets
	h.rebuild()
	return h
}

// rebuild wires the engine and exchange to the harness's current stores.
func (h *harness) rebuild() {
	h.engine = NewEngine(Deps{
		Book:      h.book,
		Queue:     h.queue,
		Ledger:    h.ledger,
		Trades:    h.trades,
		Markets:   h.markets,
		Cache:     h.cache,
		Publisher: h.pub,
		Metrics:   h.metrics,
		Logger:    zap.NewNop(),
	}, WithPollTimeout(5*time.Millisecond), WithRetryInterval(5*time.Millisecond))
	h.exchange = NewExchange(h.book, h.queue, h.ledger, h.markets, zap.NewNop())
}

func (h *harness) fund(t *testing.T, userID int64, currency string, amount int64) {
	t.Helper()
	h.wallets.AddUser(userID)
	require.NoError(t, h.wallets.Adjust(context.Background(), userID, currency, amount))
}

func (h *harness) place(t *testing.T, userID int64, side domain.Side, price string, amount int64) *domain.Order {
	t.Helper()
	o, err := h.exchange.PlaceOrder(context.Background(), OrderRequest{
		OwnerID:    userID,
		Instrument: ltcBTC,
		Side:       side,
		Price:      decimal.RequireFromString(price),
		Amount:     amount,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := h.engine.ProcessOnce(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

func (h *harness) balance(t *testing.T, userID int64, currency string) int64 {
	t.Helper()
	b, err := h.wallets.Balance(context.Background(), userID, currency)
	require.NoError(t, err)
	return b
}

func (h *harness) resting(t *testing.T, side domain.Side) []domain.Order {
	t.Helper()
	orders, err := h.store.Resting(context.Background(), ltcBTC, side)
	require.NoError(t, err)
	return orders
}

type flakyBook struct {
	*in_memory.Book
	failFills int
	missing   map[string]bool
}

func (b *flakyBook) Get(ctx context.Context, id string) (*domain.Order, error) {
	if b.missing[id] {
		return nil, domain.ErrOrderNotFound
	}
	return b.Book.Get(ctx, id)
}

func (b *flakyBook) Fill(ctx context.Context, taker, maker *domain.Order) error {
	if b.failFills > 0 {
		b.failFills--
		return errStore
	}
	return b.Book.Fill(ctx, taker, maker)
}

type overdrawnLedger struct {
	*in_memory.Ledger
}

func (l overdrawnLedger) Settle(ctx context.Context, s domain.Settlement) error {
	if s.Trade != nil {
		return fmt.Errorf("%w: forced", domain.ErrInsufficientFunds)
	}
	return l.Ledger.Settle(ctx, s)
}

func TestBuyMatchesRestingAsk(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin/10)

	sell := h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)
	assert.Equal(t, int64(0), h.balance(t, 1, "ltc"))
	require.Len(t, h.resting(t, domain.Sell), 1)

	buy := h.place(t, 2, domain.Buy, "0.10", coin)
	assert.Equal(t, int64(0), h.balance(t, 2, "btc"))
	h.drain(t)

	// 1 LTC at 0.1 BTC is 0.1 BTC, 10000000 minor units
	assert.Equal(t, int64(10_000_000), h.balance(t, 1, "btc"))
	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))
	assert.Equal(t, int64(0), h.balance(t, 1, "ltc"))
	assert.Equal(t, int64(0), h.balance(t, 2, "btc"))

	assert.Empty(t, h.resting(t, domain.Sell))
	assert.Empty(t, h.resting(t, domain.Buy))
	_, err := h.store.Get(context.Background(), sell.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = h.store.Get(context.Background(), buy.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	trades, err := h.trades.Trades(context.Background(), ltcBTC)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.True(t, tr.Price.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, int64(coin), tr.BaseAmount)
	assert.Equal(t, int64(10_000_000), tr.QuoteAmount)
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, sell.ID, tr.SellOrderID)
	assert.Equal(t, int64(2), tr.BuyerID)
	assert.Equal(t, int64(1), tr.SellerID)
	assert.Equal(t, domain.Buy, tr.TakerSide)

	published := h.pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, tr.ID, published[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TradesExecuted.WithLabelValues("ltc_btc")))
	assert.Equal(t, float64(coin), testutil.ToFloat64(h.metrics.BaseVolume.WithLabelValues("ltc_btc")))

	history, err := h.wallets.History(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.Buy, history[0].Side)
}

func TestCancelRefundsReservation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, "btc", coin)

	o := h.place(t, 2, domain.Buy, "0.10", 2*coin)
	h.drain(t)
	assert.Equal(t, int64(coin-20_000_000), h.balance(t, 2, "btc"))

	require.NoError(t, h.exchange.CancelOrder(context.Background(), 2, o.ID))
	h.drain(t)

	assert.Equal(t, int64(coin), h.balance(t, 2, "btc"))
	assert.Empty(t, h.resting(t, domain.Buy))
	_, err := h.store.Get(context.Background(), o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cancellations.WithLabelValues("ltc_btc")))
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, "btc", coin)
	o := h.place(t, 2, domain.Buy, "0.10", 2*coin)
	h.drain(t)

	ctx := context.Background()
	require.NoError(t, h.queue.Push(ctx, domain.NewCancelEntry(o.ID, 2)))
	require.NoError(t, h.queue.Push(ctx, domain.NewCancelEntry(o.ID, 2)))
	h.drain(t)

	assert.Equal(t, int64(coin), h.balance(t, 2, "btc"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EntriesDiscarded.WithLabelValues("absent")))
}

func TestCancelReplayDoesNotRefundTwice(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, "btc", coin)
	o := h.place(t, 2, domain.Buy, "0.10", 2*coin)
	h.drain(t)

	failing := &failingRemoveBook{Book: h.store, fail: 1}
	h.book = failing
	h.rebuild()

	require.NoError(t, h.exchange.CancelOrder(context.Background(), 2, o.ID))
	_, err := h.engine.ProcessOnce(context.Background())
	require.ErrorIs(t, err, errStore)
	assert.Equal(t, int64(coin), h.balance(t, 2, "btc"))

	_, err = h.queue.Requeue(context.Background())
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, int64(coin), h.balance(t, 2, "btc"))
	assert.Empty(t, h.resting(t, domain.Buy))
}

type failingRemoveBook struct {
	*in_memory.Book
	fail int
}

func (b *failingRemoveBook) Remove(ctx context.Context, id string) error {
	if b.fail > 0 {
		b.fail--
		return errStore
	}
	return b.Book.Remove(ctx, id)
}

func TestCancelByOtherUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, "btc", coin)
	h.fund(t, 3, "btc", coin)
	o := h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	assert.ErrorIs(t, h.exchange.CancelOrder(context.Background(), 3, o.ID), domain.ErrOrderNotFound)

	require.NoError(t, h.queue.Push(context.Background(), domain.NewCancelEntry(o.ID, 3)))
	h.drain(t)

	assert.Len(t, h.resting(t, domain.Buy), 1)
	assert.Equal(t, int64(coin-10_000_000), h.balance(t, 2, "btc"))
	assert.Equal(t, int64(coin), h.balance(t, 3, "btc"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EntriesDiscarded.WithLabelValues("owner_mismatch")))
}

func TestPartialFillThenCancel(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	buy := h.place(t, 2, domain.Buy, "0.10", 3*coin)
	h.drain(t)
	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	bids := h.resting(t, domain.Buy)
	require.Len(t, bids, 1)
	assert.Equal(t, buy.ID, bids[0].ID)
	assert.Equal(t, int64(2*coin), bids[0].Amount)
	assert.Equal(t, int64(3*coin), bids[0].Original)
	assert.Empty(t, h.resting(t, domain.Sell))

	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))
	assert.Equal(t, int64(10_000_000), h.balance(t, 1, "btc"))

	require.NoError(t, h.exchange.CancelOrder(context.Background(), 2, buy.ID))
	h.drain(t)
	assert.Equal(t, int64(coin-10_000_000), h.balance(t, 2, "btc"))
}

func TestIncomingRemainderRests(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", 3*coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)
	sell := h.place(t, 1, domain.Sell, "0.10", 3*coin)
	h.drain(t)

	asks := h.resting(t, domain.Sell)
	require.Len(t, asks, 1)
	assert.Equal(t, sell.ID, asks[0].ID)
	assert.Equal(t, int64(2*coin), asks[0].Amount)
	assert.Empty(t, h.resting(t, domain.Buy))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersRested.WithLabelValues("ltc_btc", "sell")))
}

func TestCrossingBoundary(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)
	h.place(t, 2, domain.Buy, "0.09999999", coin)
	h.drain(t)

	assert.Len(t, h.resting(t, domain.Sell), 1)
	assert.Len(t, h.resting(t, domain.Buy), 1)
	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)

	h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)
	trades, _ = h.trades.Trades(context.Background(), ltcBTC)
	assert.Len(t, trades, 1)
	assert.Empty(t, h.resting(t, domain.Sell))
}

// roundedIndexBook reports best prices truncated to one decimal, the way an
// index with a lossy score would.
type roundedIndexBook struct {
	*in_memory.Book
}

func (b roundedIndexBook) BestOpposite(ctx context.Context, instrument domain.Instrument, side domain.Side) (domain.Quote, bool, error) {
	q, ok, err := b.Book.BestOpposite(ctx, instrument, side)
	q.Price = q.Price.Truncate(1)
	return q, ok, err
}

func TestCrossingUsesRecordPrice(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)
	h.book = roundedIndexBook{Book: h.store}
	h.rebuild()

	ask := h.place(t, 1, domain.Sell, "0.11", coin)
	h.drain(t)
	bid := h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)
	asks := h.resting(t, domain.Sell)
	require.Len(t, asks, 1)
	assert.Equal(t, ask.ID, asks[0].ID)
	bids := h.resting(t, domain.Buy)
	require.Len(t, bids, 1)
	assert.Equal(t, bid.ID, bids[0].ID)
	assert.Equal(t, int64(coin-10_000_000), h.balance(t, 2, "btc"))
	assert.Equal(t, int64(0), h.balance(t, 2, "ltc"))
}

func TestBuyerPaysMakerPrice(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin/10)

	h.place(t, 1, domain.Sell, "0.08", coin)
	h.drain(t)
	h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	assert.Equal(t, int64(8_000_000), h.balance(t, 1, "btc"))
	assert.Equal(t, int64(2_000_000), h.balance(t, 2, "btc"))
	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("0.08")))
}

func TestSellerReceivesMakerPrice(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin/10)

	h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)
	h.place(t, 1, domain.Sell, "0.08", coin)
	h.drain(t)

	assert.Equal(t, int64(10_000_000), h.balance(t, 1, "btc"))
	assert.Equal(t, int64(0), h.balance(t, 2, "btc"))
	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t)
	for _, uid := range []int64{1, 3, 4} {
		h.fund(t, uid, "ltc", coin)
	}
	h.fund(t, 2, "btc", coin)

	worse := h.place(t, 4, domain.Sell, "0.11", coin)
	first := h.place(t, 1, domain.Sell, "0.10", coin)
	second := h.place(t, 3, domain.Sell, "0.10", coin)
	h.drain(t)

	h.place(t, 2, domain.Buy, "0.11", coin)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].SellOrderID)

	asks := h.resting(t, domain.Sell)
	require.Len(t, asks, 2)
	assert.Equal(t, second.ID, asks[0].ID)
	assert.Equal(t, worse.ID, asks[1].ID)
}

func TestBalancesAreConserved(t *testing.T) {
	h := newHarness(t)
	users := []int64{1, 2, 3}
	for _, uid := range users {
		h.fund(t, uid, "ltc", 10*coin)
		h.fund(t, uid, "btc", 10*coin)
	}
	initial := map[string]int64{"ltc": h.wallets.Total("ltc"), "btc": h.wallets.Total("btc")}

	orders := []struct {
		user   int64
		side   domain.Side
		price  string
		amount int64
	}{
		{1, domain.Sell, "0.03333333", 33_333_333},
		{2, domain.Buy, "0.05", 10_000_000},
		{3, domain.Buy, "0.03333334", 77_777_777},
		{1, domain.Sell, "0.031", 12_345_679},
		{2, domain.Sell, "0.04999999", 50_000_001},
		{3, domain.Buy, "0.06", 40_000_000},
		{1, domain.Buy, "0.07777777", 13},
		{2, domain.Sell, "0.00000001", 7},
		{3, domain.Sell, "0.02", 99_999_999},
		{1, domain.Buy, "0.025", 123_456_789},
	}
	for _, o := range orders {
		h.place(t, o.user, o.side, o.price, o.amount)
		h.drain(t)
		for _, uid := range users {
			assert.GreaterOrEqual(t, h.balance(t, uid, "ltc"), int64(0))
			assert.GreaterOrEqual(t, h.balance(t, uid, "btc"), int64(0))
		}
	}

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.NotEmpty(t, trades)

	for _, uid := range users {
		open, err := h.exchange.OpenOrders(context.Background(), uid)
		require.NoError(t, err)
		for _, o := range open {
			require.NoError(t, h.exchange.CancelOrder(context.Background(), uid, o.ID))
		}
	}
	h.drain(t)

	assert.Empty(t, h.resting(t, domain.Buy))
	assert.Empty(t, h.resting(t, domain.Sell))
	assert.Equal(t, initial["ltc"], h.wallets.Total("ltc"))
	assert.Equal(t, initial["btc"], h.wallets.Total("btc"))
}

func TestDanglingIndexEntryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	ask := h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.book = &flakyBook{Book: h.store, missing: map[string]bool{ask.ID: true}}
	h.rebuild()

	buy := h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	assert.Empty(t, h.resting(t, domain.Sell))
	bids := h.resting(t, domain.Buy)
	require.Len(t, bids, 1)
	assert.Equal(t, buy.ID, bids[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SelfHealed.WithLabelValues("index")))
}

func TestRestingOrderOfUnknownUserIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)
	h.wallets.DeleteUser(1)

	h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	assert.Empty(t, h.resting(t, domain.Sell))
	assert.Len(t, h.resting(t, domain.Buy), 1)
	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)
}

func TestIncomingOrderOfUnknownUserIsDropped(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, "btc", coin)

	o := h.place(t, 2, domain.Buy, "0.10", coin)
	h.wallets.DeleteUser(2)
	h.drain(t)

	_, err := h.store.Get(context.Background(), o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Empty(t, h.resting(t, domain.Buy))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EntriesDiscarded.WithLabelValues("unknown_owner")))
}

func TestEntryForAbsentOrderIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ghost := &domain.Order{ID: domain.OrderID(42), Instrument: ltcBTC, Side: domain.Buy, Price: decimal.RequireFromString("0.1"), Amount: coin, OwnerID: 7}
	require.NoError(t, h.queue.Push(context.Background(), domain.NewOrderEntry(ghost)))

	h.drain(t)
	assert.Equal(t, 0, h.queue.Inflight())
	assert.Empty(t, h.resting(t, domain.Buy))
}

func TestMalformedEntryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.queue.PushRaw([]byte(`{"kind":"order"`))
	h.queue.PushRaw([]byte(`{"kind":"modify","orderId":"1","ownerId":1}`))

	ok, err := h.engine.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.engine.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 0, h.queue.Inflight())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EntriesDiscarded.WithLabelValues("malformed")))
}

func TestIdleQueue(t *testing.T) {
	h := newHarness(t)
	ok, err := h.engine.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayAfterFailedFillIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin/10)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.book = &flakyBook{Book: h.store, failFills: 1}
	h.rebuild()
	h.place(t, 2, domain.Buy, "0.10", coin)

	_, err := h.engine.ProcessOnce(context.Background())
	require.ErrorIs(t, err, errStore)
	assert.Equal(t, 1, h.queue.Inflight())

	n, err := h.queue.Requeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Len(t, trades, 1)
	assert.Equal(t, int64(10_000_000), h.balance(t, 1, "btc"))
	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))
	assert.Equal(t, int64(0), h.balance(t, 2, "btc"))
	assert.Empty(t, h.resting(t, domain.Sell))
	assert.Empty(t, h.resting(t, domain.Buy))
}

// vanishingLedger deletes a user right before the first trade settles.
type vanishingLedger struct {
	*in_memory.Ledger
	victim int64
}

func (l vanishingLedger) Settle(ctx context.Context, s domain.Settlement) error {
	if s.Trade != nil {
		l.DeleteUser(l.victim)
	}
	return l.Ledger.Settle(ctx, s)
}

func TestUnsettledTradeIsRetracted(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.ledger = vanishingLedger{Ledger: h.wallets, victim: 1}
	h.rebuild()
	buy := h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)
	v, err := h.trades.Volume(context.Background(), ltcBTC)
	require.NoError(t, err)
	assert.Equal(t, domain.Volume{}, v)

	assert.Empty(t, h.resting(t, domain.Sell))
	bids := h.resting(t, domain.Buy)
	require.Len(t, bids, 1)
	assert.Equal(t, buy.ID, bids[0].ID)
	assert.Equal(t, int64(coin), bids[0].Amount)
	assert.Equal(t, int64(0), h.balance(t, 2, "ltc"))
	assert.Equal(t, int64(coin-10_000_000), h.balance(t, 2, "btc"))
}

func TestIncomingOwnerGoneMidFill(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.ledger = vanishingLedger{Ledger: h.wallets, victim: 2}
	h.rebuild()
	buy := h.place(t, 2, domain.Buy, "0.10", coin)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)
	_, err := h.store.Get(context.Background(), buy.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	asks := h.resting(t, domain.Sell)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(coin), asks[0].Amount)
	assert.Equal(t, int64(0), h.balance(t, 1, "btc"))
}

// failingSettleLedger fails trade settlements with a store error.
type failingSettleLedger struct {
	*in_memory.Ledger
	fail *int
}

func (l failingSettleLedger) Settle(ctx context.Context, s domain.Settlement) error {
	if s.Trade != nil && *l.fail > 0 {
		*l.fail--
		return errStore
	}
	return l.Ledger.Settle(ctx, s)
}

func TestReplayRetractsTradeOfVanishedCounter(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	fail := 1
	h.ledger = failingSettleLedger{Ledger: h.wallets, fail: &fail}
	h.rebuild()
	buy := h.place(t, 2, domain.Buy, "0.10", coin)

	_, err := h.engine.ProcessOnce(context.Background())
	require.ErrorIs(t, err, errStore)
	logged, _ := h.trades.Trades(context.Background(), ltcBTC)
	require.Len(t, logged, 1)

	h.wallets.DeleteUser(1)
	_, err = h.queue.Requeue(context.Background())
	require.NoError(t, err)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Empty(t, trades)
	assert.Empty(t, h.resting(t, domain.Sell))
	bids := h.resting(t, domain.Buy)
	require.Len(t, bids, 1)
	assert.Equal(t, buy.ID, bids[0].ID)
}

func TestReplayKeepsSettledTrade(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.book = &flakyBook{Book: h.store, failFills: 1}
	h.rebuild()
	h.place(t, 2, domain.Buy, "0.10", coin)

	_, err := h.engine.ProcessOnce(context.Background())
	require.ErrorIs(t, err, errStore)

	h.wallets.DeleteUser(1)
	_, err = h.queue.Requeue(context.Background())
	require.NoError(t, err)
	h.drain(t)

	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Len(t, trades, 1)
	assert.Equal(t, int64(coin), h.balance(t, 2, "ltc"))
}

func TestReservationViolationStopsEngine(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	h.ledger = overdrawnLedger{Ledger: h.wallets}
	h.rebuild()
	h.place(t, 2, domain.Buy, "0.10", coin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.engine.Run(ctx)
	require.ErrorIs(t, err, ErrReservationViolation)
	assert.Equal(t, 1, h.queue.Inflight())
	assert.Len(t, h.resting(t, domain.Sell), 1)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, h.engine.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.engine.Run(ctx), ErrAlreadyRunning)

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.place(t, 2, domain.Buy, "0.10", coin)
	require.Eventually(t, func() bool { return len(h.pub.Published()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunRetriesAfterStoreError(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	h.fund(t, 2, "btc", coin)
	h.book = &flakyBook{Book: h.store, failFills: 1}
	h.rebuild()

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.place(t, 2, domain.Buy, "0.10", coin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.balance(t, 2, "ltc") == coin && len(h.resting(t, domain.Sell)) == 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors))
	trades, _ := h.trades.Trades(context.Background(), ltcBTC)
	assert.Len(t, trades, 1)
}

func TestProcessingInvalidatesCachedBook(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, "ltc", coin)
	ctx := context.Background()
	require.NoError(t, h.cache.SetOrderbook(ctx, &domain.OrderbookSnapshot{Instrument: ltcBTC}))

	h.place(t, 1, domain.Sell, "0.10", coin)
	h.drain(t)

	ob, err := h.cache.GetOrderbook(ctx, ltcBTC)
	require.NoError(t, err)
	assert.Nil(t, ob)
}
