package pg

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Ledger) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewLedger(mock)
}

func TestMigrate(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, l.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustDebit(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(1), "btc", int64(-500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, l.Adjust(context.Background(), 1, "btc", -500))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustInsufficientFunds(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(1), "btc", int64(-500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := l.Adjust(context.Background(), 1, "btc", -500)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustCreditCreatesRow(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(1), "ltc", int64(700)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO wallet_balances").
		WithArgs(int64(1), "ltc", int64(700)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, l.Adjust(context.Background(), 1, "ltc", 700))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustUnknownUser(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(9), "ltc", int64(700)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO wallet_balances").
		WithArgs(int64(9), "ltc", int64(700)).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

	err := l.Adjust(context.Background(), 9, "ltc", 700)
	assert.ErrorIs(t, err, domain.ErrUnknownUser)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func settlement() domain.Settlement {
	t := &domain.Trade{
		ID:          "trade-1",
		Instrument:  domain.Instrument{Base: "ltc", Quote: "btc"},
		Price:       decimal.RequireFromString("0.1"),
		BaseAmount:  100_000_000,
		QuoteAmount: 10_000_000,
		BuyerID:     2,
		SellerID:    1,
		TakerSide:   domain.Buy,
		CreatedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
	return domain.Settlement{
		ID: t.ID,
		Credits: []domain.Credit{
			{UserID: 1, Currency: "btc", Amount: 10_000_000},
			{UserID: 2, Currency: "ltc", Amount: 100_000_000},
		},
		Trade: t,
	}
}

func TestSettleAppliesCreditsAndHistory(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").WithArgs("trade-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(1), "btc", int64(10_000_000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(2), "ltc", int64(100_000_000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO completed_orders").
		WithArgs("trade-1", int64(2), "ltc_btc", "buy", "ltc", "btc", int64(100_000_000), "0.10000000", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO completed_orders").
		WithArgs("trade-1", int64(1), "ltc_btc", "sell", "ltc", "btc", int64(100_000_000), "0.10000000", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, l.Settle(context.Background(), settlement()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTwiceIsNoop(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").WithArgs("trade-1").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, l.Settle(context.Background(), settlement()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleRollsBackOnFailure(t *testing.T) {
	mock, l := newMock(t)
	s := domain.Settlement{
		ID:      "s-1",
		Credits: []domain.Credit{{UserID: 1, Currency: "btc", Amount: -5}},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").WithArgs("s-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE wallet_balances").
		WithArgs(int64(1), "btc", int64(-5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := l.Settle(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalance(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectQuery("SELECT balance FROM wallet_balances").
		WithArgs(int64(1), "btc").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT balance FROM wallet_balances").
		WithArgs(int64(1), "ltc").
		WillReturnError(pgx.ErrNoRows)

	b, err := l.Balance(context.Background(), 1, "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b)

	b, err = l.Balance(context.Background(), 1, "ltc")
	require.NoError(t, err)
	assert.Zero(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserExists(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := l.UserExists(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettled(t *testing.T) {
	mock, l := newMock(t)
	mock.ExpectQuery("FROM settlements").
		WithArgs("trade-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := l.Settled(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory(t *testing.T) {
	mock, l := newMock(t)
	at := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("FROM completed_orders").
		WithArgs(int64(2), 100).
		WillReturnRows(pgxmock.NewRows([]string{"trade_id", "instrument", "side", "amount", "price", "created_at"}).
			AddRow("trade-1", "ltc_btc", "buy", int64(100_000_000), "0.10000000", at))

	h, err := l.History(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "trade-1", h[0].TradeID)
	assert.Equal(t, int64(2), h[0].UserID)
	assert.Equal(t, domain.Instrument{Base: "ltc", Quote: "btc"}, h[0].Instrument)
	assert.Equal(t, domain.Buy, h[0].Side)
	assert.True(t, h[0].Price.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, at, h[0].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
