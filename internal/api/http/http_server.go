package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type HTTPServer struct {
	exchange *core.Exchange
	market   *core.MarketData
	limiter  *middleware.RateLimiter
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewHTTPServer serves the request layer and market data. A nil gatherer
// disables /metrics.
func NewHTTPServer(x *core.Exchange, md *core.MarketData, rateLimit time.Duration, gatherer prometheus.Gatherer, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		exchange: x,
		market:   md,
		limiter:  middleware.NewRateLimiter(rateLimit),
		gatherer: gatherer,
		log:      log.Named("http"),
	}
}

func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	markets := r.Group("/markets")
	markets.GET("", s.listMarkets)
	markets.GET("/:instrument/orderbook", s.getOrderbook)
	markets.GET("/:instrument/volume", s.getVolume)
	markets.GET("/:instrument/high", s.getHigh)
	markets.GET("/:instrument/low", s.getLow)
	markets.GET("/:instrument/trades", s.getTrades)

	user := r.Group("/", middleware.Authenticate(), s.limiter.Middleware())
	user.POST("/orders", s.placeOrder)
	user.POST("/orders/cancel", s.cancelOrder)
	user.GET("/orders", s.openOrders)
	user.GET("/orders/:id", s.getOrder)
	user.GET("/balances/:currency", s.getBalance)
	user.GET("/history", s.getHistory)

	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HTTPServer) placeOrder(c *gin.Context) {
	var req dto.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	instrument, err := s.instrument(req.Instrument)
	if err != nil {
		s.fail(c, err)
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		s.fail(c, err)
		return
	}
	amount, err := s.exchange.Markets().ToUnits(instrument.Base, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}

	o, err := s.exchange.PlaceOrder(c.Request.Context(), core.OrderRequest{
		OwnerID:    middleware.UserID(c),
		Instrument: instrument,
		Side:       side,
		Price:      req.Price,
		Amount:     amount,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.PlaceOrderResponse{Order: s.convertOrder(o)})
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	var req dto.CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.exchange.CancelOrder(c.Request.Context(), middleware.UserID(c), req.OrderID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.CancelOrderResponse{
		OrderID:  req.OrderID,
		Accepted: true,
		Message:  "cancellation queued",
	})
}

func (s *HTTPServer) getOrder(c *gin.Context) {
	o, err := s.exchange.Order(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.GetOrderResponse{Order: s.convertOrder(o)})
}

func (s *HTTPServer) openOrders(c *gin.Context) {
	orders, err := s.exchange.OpenOrders(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	res := make([]dto.Order, len(orders))
	for i := range orders {
		res[i] = s.convertOrder(&orders[i])
	}
	c.JSON(http.StatusOK, dto.OpenOrdersResponse{Orders: res})
}

func (s *HTTPServer) getBalance(c *gin.Context) {
	currency := c.Param("currency")
	b, err := s.exchange.Balance(c.Request.Context(), middleware.UserID(c), currency)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.BalanceResponse{
		Currency: currency,
		Balance:  s.exchange.Markets().FromUnits(currency, b),
	})
}

func (s *HTTPServer) getHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.exchange.History(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	markets := s.exchange.Markets()
	res := make([]dto.HistoryEntry, len(entries))
	for i, h := range entries {
		res[i] = dto.HistoryEntry{
			TradeID:    h.TradeID,
			Instrument: h.Instrument.String(),
			Side:       string(h.Side),
			Amount:     markets.FromUnits(h.Instrument.Base, h.Amount),
			Price:      h.Price.StringFixed(domain.PriceScale),
			CreatedAt:  h.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{Entries: res})
}

func (s *HTTPServer) listMarkets(c *gin.Context) {
	pairs := s.exchange.Markets().Pairs()
	res := make([]string, len(pairs))
	for i, p := range pairs {
		res[i] = p.String()
	}
	c.JSON(http.StatusOK, dto.MarketsResponse{Instruments: res})
}

func (s *HTTPServer) getOrderbook(c *gin.Context) {
	instrument, err := s.instrument(c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ob := s.market.Book(c.Request.Context(), instrument)
	c.JSON(http.StatusOK, dto.OrderbookResponse{
		Instrument: instrument.String(),
		Bids:       s.convertLevels(instrument, ob.Bids),
		Asks:       s.convertLevels(instrument, ob.Asks),
		Timestamp:  ob.Timestamp,
	})
}

func (s *HTTPServer) getVolume(c *gin.Context) {
	instrument, err := s.instrument(c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	v := s.market.Volume(c.Request.Context(), instrument)
	markets := s.exchange.Markets()
	c.JSON(http.StatusOK, dto.VolumeResponse{
		Instrument: instrument.String(),
		Base:       markets.FromUnits(instrument.Base, v.Base),
		Quote:      markets.FromUnits(instrument.Quote, v.Quote),
	})
}

func (s *HTTPServer) getHigh(c *gin.Context) {
	s.priceStat(c, s.market.High)
}

func (s *HTTPServer) getLow(c *gin.Context) {
	s.priceStat(c, s.market.Low)
}

func (s *HTTPServer) priceStat(c *gin.Context, stat func(context.Context, domain.Instrument) (decimal.Decimal, bool)) {
	instrument, err := s.instrument(c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	res := dto.PriceResponse{Instrument: instrument.String()}
	if p, ok := stat(c.Request.Context(), instrument); ok {
		v := p.StringFixed(domain.PriceScale)
		res.Price = &v
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) getTrades(c *gin.Context) {
	instrument, err := s.instrument(c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	markets := s.exchange.Markets()
	trades := s.market.Trades(c.Request.Context(), instrument)
	res := make([]dto.Trade, len(trades))
	for i, t := range trades {
		res[i] = dto.Trade{
			ID:        t.ID,
			Price:     t.Price.StringFixed(domain.PriceScale),
			Amount:    markets.FromUnits(instrument.Base, t.BaseAmount),
			Total:     markets.FromUnits(instrument.Quote, t.QuoteAmount),
			TakerSide: string(t.TakerSide),
			CreatedAt: t.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, dto.TradesResponse{Instrument: instrument.String(), Trades: res})
}

func (s *HTTPServer) instrument(raw string) (domain.Instrument, error) {
	i, err := domain.ParseInstrument(raw)
	if err != nil {
		return domain.Instrument{}, err
	}
	if !s.exchange.Markets().Tradable(i) {
		return domain.Instrument{}, domain.ErrUnknownInstrument
	}
	return i, nil
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownInstrument),
		errors.Is(err, domain.ErrUnknownCurrency),
		errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnknownUser):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, dto.ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}

func (s *HTTPServer) convertOrder(o *domain.Order) dto.Order {
	markets := s.exchange.Markets()
	return dto.Order{
		ID:         o.ID,
		Instrument: o.Instrument.String(),
		Side:       string(o.Side),
		Price:      o.Price.StringFixed(domain.PriceScale),
		Amount:     markets.FromUnits(o.Instrument.Base, o.Amount),
		Original:   markets.FromUnits(o.Instrument.Base, o.Original),
		Filled:     markets.FromUnits(o.Instrument.Base, o.Filled()),
		CreatedAt:  o.CreatedAt,
	}
}

func (s *HTTPServer) convertLevels(instrument domain.Instrument, levels []domain.Level) []dto.Level {
	markets := s.exchange.Markets()
	res := make([]dto.Level, len(levels))
	for i, l := range levels {
		res[i] = dto.Level{
			Price:  l.Price.StringFixed(domain.PriceScale),
			Amount: markets.FromUnits(instrument.Base, l.Amount),
			Orders: l.Orders,
		}
	}
	return res
}
