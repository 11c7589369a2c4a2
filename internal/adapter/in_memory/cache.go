package in_memory

import (
	"context"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

type Cache struct {
	mu    sync.Mutex
	store map[domain.Instrument]*domain.OrderbookSnapshot
}

var _ port.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{store: make(map[domain.Instrument]*domain.OrderbookSnapshot)}
}

func (c *Cache) SetOrderbook(ctx context.Context, ob *domain.OrderbookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy := *ob
	c.store[ob.Instrument] = &copy
	return nil
}

func (c *Cache) GetOrderbook(ctx context.Context, instrument domain.Instrument) (*domain.OrderbookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ob, ok := c.store[instrument]
	if !ok {
		return nil, nil
	}
	copy := *ob
	return &copy, nil
}

func (c *Cache) Invalidate(ctx context.Context, instrument domain.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, instrument)
	return nil
}
