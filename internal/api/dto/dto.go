package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are decimal strings in whole currency units ("1.5" LTC); prices
// are quote per base with at most 8 decimals.

type PlaceOrderRequest struct {
	Instrument string          `json:"instrument" binding:"required"`
	Side       string          `json:"side" binding:"required"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
}

type PlaceOrderResponse struct {
	Order Order `json:"order"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

type CancelOrderResponse struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type GetOrderResponse struct {
	Order Order `json:"order"`
}

type OpenOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Price      string          `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Original   decimal.Decimal `json:"original"`
	Filled     decimal.Decimal `json:"filled"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Level struct {
	Price  string          `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

type OrderbookResponse struct {
	Instrument string    `json:"instrument"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	Timestamp  time.Time `json:"timestamp"`
}

type VolumeResponse struct {
	Instrument string          `json:"instrument"`
	Base       decimal.Decimal `json:"base"`
	Quote      decimal.Decimal `json:"quote"`
}

// PriceResponse carries a nil Price when nothing has traded yet.
type PriceResponse struct {
	Instrument string  `json:"instrument"`
	Price      *string `json:"price"`
}

type Trade struct {
	ID        string          `json:"id"`
	Price     string          `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"total"`
	TakerSide string          `json:"taker_side"`
	CreatedAt time.Time       `json:"created_at"`
}

type TradesResponse struct {
	Instrument string  `json:"instrument"`
	Trades     []Trade `json:"trades"`
}

type MarketsResponse struct {
	Instruments []string `json:"instruments"`
}

type BalanceResponse struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

type HistoryEntry struct {
	TradeID    string          `json:"trade_id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Price      string          `json:"price"`
	CreatedAt  time.Time       `json:"created_at"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
