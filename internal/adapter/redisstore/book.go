package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type Book struct {
	client *redis.Client
}

var _ port.Book = (*Book)(nil)

func NewBook(client *redis.Client) *Book {
	return &Book{client: client}
}

func (b *Book) NextID(ctx context.Context) (string, error) {
	seq, err := b.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("redis: next order id: %w", err)
	}
	return domain.OrderID(seq), nil
}

func (b *Book) Get(ctx context.Context, id string) (*domain.Order, error) {
	fields, err := b.client.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return decodeOrder(id, fields)
}

func (b *Book) Save(ctx context.Context, o *domain.Order) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, orderKey(o.ID), encodeOrder(o))
		pipe.SAdd(ctx, userOrdersKey(o.OwnerID), o.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save order %s: %w", o.ID, err)
	}
	return nil
}

func (b *Book) Put(ctx context.Context, o *domain.Order) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, orderKey(o.ID), encodeOrder(o))
		pipe.SAdd(ctx, userOrdersKey(o.OwnerID), o.ID)
		pipe.ZAdd(ctx, indexKey(o.Instrument, o.Side), redis.Z{
			Score:  score(o.Side, domain.PriceUnits(o.Price)),
			Member: o.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put order %s: %w", o.ID, err)
	}
	return nil
}

func (b *Book) Remove(ctx context.Context, id string) error {
	fields, err := b.client.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis: load order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, orderKey(id))
		if uid, err := strconv.ParseInt(fields["uid"], 10, 64); err == nil {
			pipe.SRem(ctx, userOrdersKey(uid), id)
		}
		instrument, err := domain.ParseInstrument(fields["instrument"])
		if err != nil {
			return nil
		}
		if side, err := domain.ParseSide(fields["side"]); err == nil {
			pipe.ZRem(ctx, indexKey(instrument, side), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: remove order %s: %w", id, err)
	}
	return nil
}

func (b *Book) Fill(ctx context.Context, taker, maker *domain.Order) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range []*domain.Order{maker, taker} {
			if o.Amount > 0 {
				pipe.HSet(ctx, orderKey(o.ID), "amount", o.Amount)
				continue
			}
			pipe.Del(ctx, orderKey(o.ID))
			pipe.ZRem(ctx, indexKey(o.Instrument, o.Side), o.ID)
			pipe.SRem(ctx, userOrdersKey(o.OwnerID), o.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: fill %s/%s: %w", taker.ID, maker.ID, err)
	}
	return nil
}

func (b *Book) Discard(ctx context.Context, instrument domain.Instrument, side domain.Side, id string) error {
	uid, _ := b.client.HGet(ctx, orderKey(id), "uid").Int64()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, indexKey(instrument, side), id)
		pipe.Del(ctx, orderKey(id))
		if uid > 0 {
			pipe.SRem(ctx, userOrdersKey(uid), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: discard order %s: %w", id, err)
	}
	return nil
}

func (b *Book) BestOpposite(ctx context.Context, instrument domain.Instrument, side domain.Side) (domain.Quote, bool, error) {
	opposite := side.Opposite()
	best, err := b.client.ZRangeWithScores(ctx, indexKey(instrument, opposite), 0, 0).Result()
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("redis: best %s %s: %w", opposite, instrument, err)
	}
	if len(best) == 0 {
		return domain.Quote{}, false, nil
	}
	id, ok := best[0].Member.(string)
	if !ok {
		return domain.Quote{}, false, fmt.Errorf("redis: unexpected index member %v", best[0].Member)
	}
	return domain.Quote{
		OrderID: id,
		Price:   domain.PriceFromUnits(unitsFromScore(opposite, best[0].Score)),
	}, true, nil
}

// Resting lists one side of a book. Index entries whose record has gone are
// removed on the way.
func (b *Book) Resting(ctx context.Context, instrument domain.Instrument, side domain.Side) ([]domain.Order, error) {
	key := indexKey(instrument, side)
	ids, err := b.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, orderKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: load %s: %w", key, err)
	}

	res := make([]domain.Order, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		o, err := decodeOrder(ids[i], fields)
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		res = append(res, *o)
	}
	if len(stale) > 0 {
		_ = b.client.ZRem(ctx, key, stale...).Err()
	}
	return res, nil
}

func (b *Book) OrdersOf(ctx context.Context, ownerID int64) ([]string, error) {
	ids, err := b.client.SMembers(ctx, userOrdersKey(ownerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: orders of %d: %w", ownerID, err)
	}
	return ids, nil
}

func encodeOrder(o *domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"instrument": o.Instrument.String(),
		"side":       string(o.Side),
		"price":      o.Price.StringFixed(domain.PriceScale),
		"amount":     o.Amount,
		"original":   o.Original,
		"uid":        o.OwnerID,
		"created_at": o.CreatedAt.UnixNano(),
	}
}

func decodeOrder(id string, f map[string]string) (*domain.Order, error) {
	instrument, err := domain.ParseInstrument(f["instrument"])
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", domain.ErrCorruptRecord, id, err)
	}
	side, err := domain.ParseSide(f["side"])
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", domain.ErrCorruptRecord, id, err)
	}
	price, err := decimal.NewFromString(f["price"])
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: price: %v", domain.ErrCorruptRecord, id, err)
	}
	amount, err := strconv.ParseInt(f["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: amount: %v", domain.ErrCorruptRecord, id, err)
	}
	uid, err := strconv.ParseInt(f["uid"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: uid: %v", domain.ErrCorruptRecord, id, err)
	}
	original := amount
	if v, err := strconv.ParseInt(f["original"], 10, 64); err == nil && v >= amount {
		original = v
	}
	o := &domain.Order{
		ID:         id,
		Instrument: instrument,
		Side:       side,
		Price:      price,
		Amount:     amount,
		Original:   original,
		OwnerID:    uid,
	}
	if ns, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		o.CreatedAt = time.Unix(0, ns).UTC()
	}
	return o, nil
}
