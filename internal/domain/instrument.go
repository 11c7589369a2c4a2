package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument is a base/quote currency pair, written "ltc_btc".
type Instrument struct {
	Base  string
	Quote string
}

func ParseInstrument(s string) (Instrument, error) {
	base, quote, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "_")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "_") {
		return Instrument{}, fmt.Errorf("%w: %q", ErrUnknownInstrument, s)
	}
	return Instrument{Base: base, Quote: quote}, nil
}

func (i Instrument) String() string {
	return i.Base + "_" + i.Quote
}

func (i Instrument) IsZero() bool {
	return i.Base == "" && i.Quote == ""
}

type Currency struct {
	Code       string
	Multiplier int64
}

// Markets holds the tradable currencies and pairs and converts amounts
// between them.
type Markets struct {
	currencies map[string]Currency
	pairs      map[Instrument]struct{}
}

func NewMarkets(currencies []Currency, pairs []Instrument) (*Markets, error) {
	m := &Markets{
		currencies: make(map[string]Currency, len(currencies)),
		pairs:      make(map[Instrument]struct{}, len(pairs)),
	}
	for _, c := range currencies {
		if c.Multiplier <= 0 {
			return nil, fmt.Errorf("currency %s: multiplier must be > 0", c.Code)
		}
		m.currencies[c.Code] = c
	}
	for _, p := range pairs {
		if _, ok := m.currencies[p.Base]; !ok {
			return nil, fmt.Errorf("pair %s: %w %q", p, ErrUnknownCurrency, p.Base)
		}
		if _, ok := m.currencies[p.Quote]; !ok {
			return nil, fmt.Errorf("pair %s: %w %q", p, ErrUnknownCurrency, p.Quote)
		}
		m.pairs[p] = struct{}{}
	}
	return m, nil
}

func (m *Markets) Currency(code string) (Currency, error) {
	c, ok := m.currencies[code]
	if !ok {
		return Currency{}, fmt.Errorf("%w %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

func (m *Markets) Tradable(i Instrument) bool {
	_, ok := m.pairs[i]
	return ok
}

func (m *Markets) Pairs() []Instrument {
	res := make([]Instrument, 0, len(m.pairs))
	for p := range m.pairs {
		res = append(res, p)
	}
	sort.Slice(res, func(a, b int) bool { return res[a].String() < res[b].String() })
	return res
}

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// QuoteUnits converts amount minor units of the base currency at price into
// minor units of the quote currency, rounding half to even. A result that
// does not fit in int64 is ErrInvalidAmount.
func (m *Markets) QuoteUnits(i Instrument, amount int64, price decimal.Decimal) (int64, error) {
	base, err := m.Currency(i.Base)
	if err != nil {
		return 0, err
	}
	quote, err := m.Currency(i.Quote)
	if err != nil {
		return 0, err
	}
	v := decimal.NewFromInt(amount).
		Mul(price).
		Mul(decimal.NewFromInt(quote.Multiplier)).
		Div(decimal.NewFromInt(base.Multiplier))
	v = v.RoundBank(0)
	if v.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %d %s at %s overflows %s", ErrInvalidAmount, amount, i.Base, price, i.Quote)
	}
	return v.IntPart(), nil
}

// ToUnits converts a decimal amount of currency into minor units. Amounts
// finer than one minor unit are rejected.
func (m *Markets) ToUnits(code string, amount decimal.Decimal) (int64, error) {
	c, err := m.Currency(code)
	if err != nil {
		return 0, err
	}
	units := amount.Mul(decimal.NewFromInt(c.Multiplier))
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more precision than %s allows", ErrInvalidAmount, amount, code)
	}
	if units.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s %s out of range", ErrInvalidAmount, amount, code)
	}
	return units.IntPart(), nil
}

// FromUnits converts minor units back into a decimal amount of currency.
func (m *Markets) FromUnits(code string, units int64) decimal.Decimal {
	c, err := m.Currency(code)
	if err != nil {
		return decimal.NewFromInt(units)
	}
	return decimal.NewFromInt(units).Div(decimal.NewFromInt(c.Multiplier))
}
