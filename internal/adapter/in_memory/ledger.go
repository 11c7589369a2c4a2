package in_memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

type balanceKey struct {
	userID   int64
	currency string
}

// Ledger is a process-local ledger. A single mutex makes every adjustment
// atomic.
type Ledger struct {
	mu       sync.Mutex
	users    map[int64]struct{}
	balances map[balanceKey]int64
	applied  map[string]struct{}
	history  []domain.HistoryEntry
}

var _ port.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		users:    make(map[int64]struct{}),
		balances: make(map[balanceKey]int64),
		applied:  make(map[string]struct{}),
	}
}

func (l *Ledger) AddUser(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[userID] = struct{}{}
}

func (l *Ledger) DeleteUser(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
}

func (l *Ledger) Adjust(ctx context.Context, userID int64, currency string, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply([]domain.Credit{{UserID: userID, Currency: currency, Amount: delta}})
}

func (l *Ledger) Settle(ctx context.Context, s domain.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.applied[s.ID]; ok {
		return nil
	}
	if err := l.apply(s.Credits); err != nil {
		return err
	}
	l.applied[s.ID] = struct{}{}
	if t := s.Trade; t != nil {
		l.history = append(l.history,
			domain.HistoryEntry{TradeID: t.ID, UserID: t.BuyerID, Instrument: t.Instrument, Side: domain.Buy, Amount: t.BaseAmount, Price: t.Price, CreatedAt: t.CreatedAt},
			domain.HistoryEntry{TradeID: t.ID, UserID: t.SellerID, Instrument: t.Instrument, Side: domain.Sell, Amount: t.BaseAmount, Price: t.Price, CreatedAt: t.CreatedAt},
		)
	}
	return nil
}

func (l *Ledger) Settled(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[id]
	return ok, nil
}

// apply validates every credit before mutating anything.
func (l *Ledger) apply(credits []domain.Credit) error {
	next := make(map[balanceKey]int64, len(credits))
	for _, c := range credits {
		if _, ok := l.users[c.UserID]; !ok {
			return fmt.Errorf("%w: %d", domain.ErrUnknownUser, c.UserID)
		}
		k := balanceKey{c.UserID, c.Currency}
		cur, ok := next[k]
		if !ok {
			cur = l.balances[k]
		}
		if cur+c.Amount < 0 {
			return fmt.Errorf("%w: user %d %s: %d + %d", domain.ErrInsufficientFunds, c.UserID, c.Currency, cur, c.Amount)
		}
		next[k] = cur + c.Amount
	}
	for k, v := range next {
		l.balances[k] = v
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64, currency string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{userID, currency}], nil
}

func (l *Ledger) UserExists(ctx context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.users[userID]
	return ok, nil
}

func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]domain.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []domain.HistoryEntry
	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].UserID == userID {
			res = append(res, l.history[i])
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Total sums every balance held in currency.
func (l *Ledger) Total(currency string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for k, v := range l.balances {
		if k.currency == currency {
			sum += v
		}
	}
	return sum
}
