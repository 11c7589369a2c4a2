package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Trade struct {
	ID          string
	Instrument  Instrument
	Price       decimal.Decimal
	BaseAmount  int64
	QuoteAmount int64
	BuyOrderID  string
	SellOrderID string
	BuyerID     int64
	SellerID    int64
	TakerSide   Side
	CreatedAt   time.Time
	// Seq is the trade's position in the log, assigned on append.
	Seq int64
}

// Volume is the traded amount of an instrument in minor units.
type Volume struct {
	Base  int64
	Quote int64
}

// Credit is a single balance change applied by a settlement.
type Credit struct {
	UserID   int64
	Currency string
	Amount   int64
}

// Settlement groups the balance changes caused by one fill or cancellation.
// Ledgers apply a settlement at most once per ID.
type Settlement struct {
	ID      string
	Credits []Credit
	Trade   *Trade
}

// HistoryEntry is one side of a completed trade as seen by a user.
type HistoryEntry struct {
	TradeID    string
	UserID     int64
	Instrument Instrument
	Side       Side
	Amount     int64
	Price      decimal.Decimal
	CreatedAt  time.Time
}
