package redisstore

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ltcBTC = domain.Instrument{Base: "ltc", Quote: "btc"}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func order(id int64, side domain.Side, price string, amount, owner int64) *domain.Order {
	return &domain.Order{
		ID:         domain.OrderID(id),
		Instrument: ltcBTC,
		Side:       side,
		Price:      decimal.RequireFromString(price),
		Amount:     amount,
		Original:   amount,
		OwnerID:    owner,
		CreatedAt:  time.Unix(1_700_000_000, id).UTC(),
	}
}
