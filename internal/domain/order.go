package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PriceScale is the number of fractional digits a limit price may carry.
const PriceScale = 8

func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Buy, Sell:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a live order record. Amount is the remaining size in minor units of
// the base currency, Original the size at submission.
type Order struct {
	ID         string
	Instrument Instrument
	Side       Side
	Price      decimal.Decimal
	Amount     int64
	Original   int64
	OwnerID    int64
	CreatedAt  time.Time
}

// Filled is the amount already executed against this order.
func (o *Order) Filled() int64 {
	if o.Original < o.Amount {
		return 0
	}
	return o.Original - o.Amount
}

// Crosses reports whether a resting order at price on the opposite side can
// execute against o.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Side == Buy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

// PriceUnits returns p as an integer count of 10^-8.
func PriceUnits(p decimal.Decimal) int64 {
	return p.Shift(PriceScale).IntPart()
}

func PriceFromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -PriceScale)
}

// MaxPriceUnits is the largest price, in units of 10^-8, that a float64
// index score holds exactly.
const MaxPriceUnits = 1 << 53

var maxPrice = PriceFromUnits(MaxPriceUnits)

// ValidPrice reports whether p is non-negative, fits the price scale and is
// at most MaxPriceUnits.
func ValidPrice(p decimal.Decimal) bool {
	if p.IsNegative() || p.GreaterThan(maxPrice) {
		return false
	}
	return p.Equal(p.Truncate(PriceScale))
}

// OrderID formats a sequence number as a fixed-width id so that ids sort in
// submission order.
func OrderID(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// Quote is the best resting price on one side of a book.
type Quote struct {
	OrderID string
	Price   decimal.Decimal
}
