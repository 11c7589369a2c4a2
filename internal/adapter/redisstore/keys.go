// Package redisstore keeps the order book, the trade log and the intake
// queue in Redis so that the request layer and the matching engine can run
// as separate processes.
//
// Layout:
//
//	order:{id}               hash   live order record
//	{instrument}/bid|ask     zset   price index, member = order id
//	user:{uid}/orders        set    ids of a user's live orders
//	order_seq                string order id sequence
//	order_queue              list   intake queue
//	order_queue:processing   list   popped, unacknowledged entries
//	trade_seq                string trade log sequence
//	trade:{id}               hash   completed trade
//	{instrument}/completed   zset   trade ids scored by price
package redisstore

import (
	"fmt"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

const (
	seqKey        = "order_seq"
	queueKey      = "order_queue"
	processingKey = "order_queue:processing"
	tradeSeqKey   = "trade_seq"
)

func orderKey(id string) string { return "order:" + id }

func tradeKey(id string) string { return "trade:" + id }

func userOrdersKey(uid int64) string { return fmt.Sprintf("user:%d/orders", uid) }

func completedKey(instrument domain.Instrument) string {
	return instrument.String() + "/completed"
}

func indexKey(instrument domain.Instrument, side domain.Side) string {
	if side == domain.Buy {
		return instrument.String() + "/bid"
	}
	return instrument.String() + "/ask"
}

// score orders an index so that rank 0 is the best price on either side.
// Bids are stored negated; equal scores fall back to member order, which is
// submission order for sequence ids. Prices are bounded by
// domain.MaxPriceUnits, which float64 represents exactly.
func score(side domain.Side, units int64) float64 {
	if side == domain.Buy {
		return -float64(units)
	}
	return float64(units)
}

func unitsFromScore(side domain.Side, s float64) int64 {
	u := int64(s)
	if side == domain.Buy {
		return -u
	}
	return u
}
