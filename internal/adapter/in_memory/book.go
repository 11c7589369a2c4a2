package in_memory

import (
	"context"
	"sort"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

type sideKey struct {
	instrument domain.Instrument
	side       domain.Side
}

type indexEntry struct {
	id    string
	price decimal.Decimal
}

// Book keeps orders in maps and each side of each instrument in a slice
// sorted by priority.
type Book struct {
	mu     sync.Mutex
	seq    int64
	orders map[string]*domain.Order
	index  map[sideKey][]indexEntry
	owners map[int64]map[string]struct{}
}

var _ port.Book = (*Book)(nil)

func NewBook() *Book {
	return &Book{
		orders: make(map[string]*domain.Order),
		index:  make(map[sideKey][]indexEntry),
		owners: make(map[int64]map[string]struct{}),
	}
}

func (b *Book) NextID(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return domain.OrderID(b.seq), nil
}

func (b *Book) Get(ctx context.Context, id string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copy := *o
	return &copy, nil
}

func (b *Book) Save(ctx context.Context, o *domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.save(o)
	return nil
}

func (b *Book) Put(ctx context.Context, o *domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.save(o)
	key := sideKey{o.Instrument, o.Side}
	entries := unindex(b.index[key], o.ID)
	e := indexEntry{id: o.ID, price: o.Price}
	i := sort.Search(len(entries), func(i int) bool { return before(o.Side, e, entries[i]) })
	entries = append(entries, indexEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	b.index[key] = entries
	return nil
}

func (b *Book) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil
	}
	b.drop(o.Instrument, o.Side, id)
	return nil
}

func (b *Book) Fill(ctx context.Context, taker, maker *domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range []*domain.Order{maker, taker} {
		if o.Amount <= 0 {
			b.drop(o.Instrument, o.Side, o.ID)
			continue
		}
		if cur, ok := b.orders[o.ID]; ok {
			cur.Amount = o.Amount
		} else {
			b.save(o)
		}
	}
	return nil
}

func (b *Book) Discard(ctx context.Context, instrument domain.Instrument, side domain.Side, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(instrument, side, id)
	return nil
}

func (b *Book) BestOpposite(ctx context.Context, instrument domain.Instrument, side domain.Side) (domain.Quote, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.index[sideKey{instrument, side.Opposite()}]
	if len(entries) == 0 {
		return domain.Quote{}, false, nil
	}
	return domain.Quote{OrderID: entries[0].id, Price: entries[0].price}, true, nil
}

func (b *Book) Resting(ctx context.Context, instrument domain.Instrument, side domain.Side) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.index[sideKey{instrument, side}]
	res := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		if o, ok := b.orders[e.id]; ok {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (b *Book) OrdersOf(ctx context.Context, ownerID int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]string, 0, len(b.owners[ownerID]))
	for id := range b.owners[ownerID] {
		res = append(res, id)
	}
	sort.Strings(res)
	return res, nil
}

func (b *Book) save(o *domain.Order) {
	copy := *o
	b.orders[o.ID] = &copy
	ids, ok := b.owners[o.OwnerID]
	if !ok {
		ids = make(map[string]struct{})
		b.owners[o.OwnerID] = ids
	}
	ids[o.ID] = struct{}{}
}

func (b *Book) drop(instrument domain.Instrument, side domain.Side, id string) {
	key := sideKey{instrument, side}
	b.index[key] = unindex(b.index[key], id)
	if o, ok := b.orders[id]; ok {
		delete(b.owners[o.OwnerID], id)
		delete(b.orders, id)
	}
}

// before reports whether a has priority over b on the given side.
func before(side domain.Side, a, b indexEntry) bool {
	if !a.price.Equal(b.price) {
		if side == domain.Buy {
			return a.price.GreaterThan(b.price)
		}
		return a.price.LessThan(b.price)
	}
	return a.id < b.id
}

func unindex(entries []indexEntry, id string) []indexEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
