package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ port.Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func key(instrument domain.Instrument) string { return "ob:" + instrument.String() }

func (c *RedisCache) SetOrderbook(ctx context.Context, ob *domain.OrderbookSnapshot) error {
	b, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(ob.Instrument), b, c.ttl).Err()
}

// GetOrderbook returns nil, nil on a cache miss.
func (c *RedisCache) GetOrderbook(ctx context.Context, instrument domain.Instrument) (*domain.OrderbookSnapshot, error) {
	b, err := c.client.Get(ctx, key(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ob domain.OrderbookSnapshot
	if err := json.Unmarshal(b, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, instrument domain.Instrument) error {
	return c.client.Del(ctx, key(instrument)).Err()
}
