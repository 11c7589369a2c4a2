package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type TradeLog struct {
	client *redis.Client
}

var _ port.TradeLog = (*TradeLog)(nil)

func NewTradeLog(client *redis.Client) *TradeLog {
	return &TradeLog{client: client}
}

// Append writes the trade hash and its index entry in one transaction. An
// id already in the log is left untouched, keeping its sequence.
func (l *TradeLog) Append(ctx context.Context, t domain.Trade) (bool, error) {
	n, err := l.client.Exists(ctx, tradeKey(t.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: trade %s exists: %w", t.ID, err)
	}
	if n == 1 {
		return false, nil
	}
	t.Seq, err = l.client.Incr(ctx, tradeSeqKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis: next trade seq: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tradeKey(t.ID), encodeTrade(t))
		pipe.ZAdd(ctx, completedKey(t.Instrument), redis.Z{
			Score:  float64(domain.PriceUnits(t.Price)),
			Member: t.ID,
		})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis: append trade %s: %w", t.ID, err)
	}
	return true, nil
}

func (l *TradeLog) Retract(ctx context.Context, instrument domain.Instrument, id string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tradeKey(id))
		pipe.ZRem(ctx, completedKey(instrument), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: retract trade %s: %w", id, err)
	}
	return nil
}

// Trades returns the log in execution order. Index entries whose trade hash
// has been evicted are skipped and removed.
func (l *TradeLog) Trades(ctx context.Context, instrument domain.Instrument) ([]domain.Trade, error) {
	key := completedKey(instrument)
	ids, err := l.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := l.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tradeKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: load %s: %w", key, err)
	}

	res := make([]domain.Trade, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		t, ok := decodeTrade(ids[i], instrument, cmd.Val())
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		res = append(res, t)
	}
	if len(stale) > 0 {
		_ = l.client.ZRem(ctx, key, stale...).Err()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

func (l *TradeLog) Volume(ctx context.Context, instrument domain.Instrument) (domain.Volume, error) {
	trades, err := l.Trades(ctx, instrument)
	if err != nil {
		return domain.Volume{}, err
	}
	var v domain.Volume
	for _, t := range trades {
		v.Base += t.BaseAmount
		v.Quote += t.QuoteAmount
	}
	return v, nil
}

func (l *TradeLog) High(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error) {
	return l.extreme(ctx, instrument, -1)
}

func (l *TradeLog) Low(ctx context.Context, instrument domain.Instrument) (decimal.Decimal, bool, error) {
	return l.extreme(ctx, instrument, 0)
}

// extreme reads the price at rank of the completed index, dropping entries
// whose trade hash is gone until a live one is found.
func (l *TradeLog) extreme(ctx context.Context, instrument domain.Instrument, rank int64) (decimal.Decimal, bool, error) {
	key := completedKey(instrument)
	for {
		zs, err := l.client.ZRangeWithScores(ctx, key, rank, rank).Result()
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("redis: range %s: %w", key, err)
		}
		if len(zs) == 0 {
			return decimal.Zero, false, nil
		}
		id, _ := zs[0].Member.(string)
		n, err := l.client.Exists(ctx, tradeKey(id)).Result()
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("redis: trade %s exists: %w", id, err)
		}
		if n == 1 {
			return domain.PriceFromUnits(int64(zs[0].Score)), true, nil
		}
		if err := l.client.ZRem(ctx, key, id).Err(); err != nil {
			return decimal.Zero, false, fmt.Errorf("redis: drop stale trade %s: %w", id, err)
		}
	}
}

func encodeTrade(t domain.Trade) map[string]interface{} {
	return map[string]interface{}{
		"instrument":   t.Instrument.String(),
		"price":        t.Price.StringFixed(domain.PriceScale),
		"base_amount":  t.BaseAmount,
		"quote_amount": t.QuoteAmount,
		"buy_order":    t.BuyOrderID,
		"sell_order":   t.SellOrderID,
		"buyer":        t.BuyerID,
		"seller":       t.SellerID,
		"taker_side":   string(t.TakerSide),
		"created_at":   t.CreatedAt.UnixNano(),
		"seq":          t.Seq,
	}
}

func decodeTrade(id string, instrument domain.Instrument, f map[string]string) (domain.Trade, bool) {
	if len(f) == 0 {
		return domain.Trade{}, false
	}
	price, err := decimal.NewFromString(f["price"])
	if err != nil {
		return domain.Trade{}, false
	}
	base, err := strconv.ParseInt(f["base_amount"], 10, 64)
	if err != nil {
		return domain.Trade{}, false
	}
	quote, err := strconv.ParseInt(f["quote_amount"], 10, 64)
	if err != nil {
		return domain.Trade{}, false
	}
	t := domain.Trade{
		ID:          id,
		Instrument:  instrument,
		Price:       price,
		BaseAmount:  base,
		QuoteAmount: quote,
		BuyOrderID:  f["buy_order"],
		SellOrderID: f["sell_order"],
		TakerSide:   domain.Side(f["taker_side"]),
	}
	t.BuyerID, _ = strconv.ParseInt(f["buyer"], 10, 64)
	t.SellerID, _ = strconv.ParseInt(f["seller"], 10, 64)
	t.Seq, _ = strconv.ParseInt(f["seq"], 10, 64)
	if ns, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		t.CreatedAt = time.Unix(0, ns).UTC()
	}
	return t, true
}
