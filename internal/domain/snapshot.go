package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is the total resting amount at one price.
type Level struct {
	Price  decimal.Decimal
	Amount int64
	Orders int
}

type OrderbookSnapshot struct {
	Instrument Instrument
	Bids       []Level
	Asks       []Level
	Timestamp  time.Time
}

// Aggregate folds price-ordered orders into levels, keeping their order.
func Aggregate(orders []Order) []Level {
	var levels []Level
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount += o.Amount
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, Level{Price: o.Price, Amount: o.Amount, Orders: 1})
	}
	return levels
}
