package pg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const foreignKeyViolation = "23503"

// DB is the subset of *pgxpool.Pool the ledger needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ port.Ledger = (*Ledger)(nil)

// Ledger keeps balances in wallet_balances. Every change is a single
// conditional UPDATE, so concurrent writers from other processes can never
// drive a balance below zero.
type Ledger struct {
	db DB
}

// call Close on the pool when finished with the database.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	return pool, nil
}

func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

func (l *Ledger) Adjust(ctx context.Context, userID int64, currency string, delta int64) error {
	return adjust(ctx, l.db, userID, currency, delta)
}

func adjust(ctx context.Context, db execer, userID int64, currency string, delta int64) error {
	tag, err := db.Exec(ctx, `
UPDATE wallet_balances
SET balance = balance + $3, updated_at = NOW()
WHERE user_id = $1 AND currency = $2 AND balance + $3 >= 0
`, userID, currency, delta)
	if err != nil {
		return fmt.Errorf("pg: adjust %d %s: %w", userID, currency, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if delta < 0 {
		return fmt.Errorf("%w: user %d %s %d", domain.ErrInsufficientFunds, userID, currency, delta)
	}
	_, err = db.Exec(ctx, `
INSERT INTO wallet_balances(user_id, currency, balance)
VALUES($1, $2, $3)
ON CONFLICT (user_id, currency) DO UPDATE SET
  balance = wallet_balances.balance + EXCLUDED.balance,
  updated_at = NOW()
`, userID, currency, delta)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %d", domain.ErrUnknownUser, userID)
	}
	if err != nil {
		return fmt.Errorf("pg: credit %d %s: %w", userID, currency, err)
	}
	return nil
}

// Settle applies s in one transaction. A settlement id that has already been
// recorded makes the call a no-op.
func (l *Ledger) Settle(ctx context.Context, s domain.Settlement) error {
	return withTx(ctx, l.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO settlements(id) VALUES($1)
ON CONFLICT (id) DO NOTHING
`, s.ID)
		if err != nil {
			return fmt.Errorf("pg: record settlement %s: %w", s.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, c := range s.Credits {
			if err := adjust(ctx, tx, c.UserID, c.Currency, c.Amount); err != nil {
				return err
			}
		}
		if s.Trade != nil {
			return saveHistory(ctx, tx, s.Trade)
		}
		return nil
	})
}

func (l *Ledger) Settled(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := l.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM settlements WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("pg: settlement %s: %w", id, err)
	}
	return exists, nil
}

func saveHistory(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	for _, row := range []struct {
		side domain.Side
		user int64
	}{{domain.Buy, t.BuyerID}, {domain.Sell, t.SellerID}} {
		_, err := tx.Exec(ctx, `
INSERT INTO completed_orders(trade_id, user_id, instrument, side, base_currency, quote_currency, amount, price, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (trade_id, side) DO NOTHING
`, t.ID, row.user, t.Instrument.String(), string(row.side), t.Instrument.Base, t.Instrument.Quote,
			t.BaseAmount, t.Price.StringFixed(domain.PriceScale), t.CreatedAt)
		if err != nil {
			return fmt.Errorf("pg: save history %s: %w", t.ID, err)
		}
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64, currency string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance FROM wallet_balances WHERE user_id = $1 AND currency = $2`,
		userID, currency).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pg: balance %d %s: %w", userID, currency, err)
	}
	return balance, nil
}

func (l *Ledger) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	if err := l.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("pg: user %d: %w", userID, err)
	}
	return exists, nil
}

// History returns a user's trades, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, `
SELECT trade_id, instrument, side, amount, price::text, created_at
FROM completed_orders
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: history %d: %w", userID, err)
	}
	defer rows.Close()

	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h                       domain.HistoryEntry
			instrument, side, price string
			createdAt               time.Time
		)
		if err := rows.Scan(&h.TradeID, &instrument, &side, &h.Amount, &price, &createdAt); err != nil {
			return nil, err
		}
		if h.Instrument, err = domain.ParseInstrument(instrument); err != nil {
			return nil, err
		}
		if h.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		h.UserID = userID
		h.Side = domain.Side(side)
		h.CreatedAt = createdAt
		res = append(res, h)
	}
	return res, rows.Err()
}
