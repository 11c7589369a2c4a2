package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Ledger owns user balances. Adjust and Settle are atomic at the storage
// layer and fail with domain.ErrInsufficientFunds instead of letting a
// balance go negative.
type Ledger interface {
	Adjust(ctx context.Context, userID int64, currency string, delta int64) error
	Settle(ctx context.Context, s domain.Settlement) error
	// Settled reports whether a settlement with id has been applied.
	Settled(ctx context.Context, id string) (bool, error)
	Balance(ctx context.Context, userID int64, currency string) (int64, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	History(ctx context.Context, userID int64, limit int) ([]domain.HistoryEntry, error)
}
