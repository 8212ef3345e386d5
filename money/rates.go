package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// conversionScale is the number of decimal places kept on cross-currency
// results. Amounts converted into an account's currency are stored at this
// precision.
const conversionScale = 4

// Rates is a Converter backed by an immutable USD-pivot table: each entry is
// the number of units of that currency per one USD. Cross rates are derived
// through the pivot, so any pair of known currencies converts.
//
// The table is fixed at construction; Rates is safe for concurrent use.
type Rates struct {
	perUSD map[Currency]decimal.Decimal
}

// Compile-time assertion: *Rates implements Converter.
var _ Converter = (*Rates)(nil)

// RatesOption customizes the rate table at construction time.
type RatesOption func(perUSD map[Currency]decimal.Decimal)

// WithRate adds or overrides a currency at the given units-per-USD rate.
// Non-positive rates are ignored.
func WithRate(code Currency, perUSD decimal.Decimal) RatesOption {
	return func(table map[Currency]decimal.Decimal) {
		if perUSD.IsPositive() {
			table[code.Normalize()] = perUSD
		}
	}
}

// NewRates builds a Converter with a small built-in table, extended or
// overridden by options.
func NewRates(opts ...RatesOption) *Rates {
	table := map[Currency]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.92"),
		"GBP": decimal.RequireFromString("0.79"),
		"JPY": decimal.RequireFromString("149.50"),
		"KES": decimal.RequireFromString("129.00"),
		"NGN": decimal.RequireFromString("1530.00"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(table)
		}
	}

	return &Rates{perUSD: table}
}

// Convert converts amount from one currency to another through the USD
// pivot. Identity conversions return the amount untouched. Returns
// ErrUnknownCurrency when either code is absent. Amount sign is the
// caller's concern; conversion is pure arithmetic.
func (r *Rates) Convert(amount decimal.Decimal, from, to Currency) (decimal.Decimal, error) {
	if r == nil || r.perUSD == nil {
		return decimal.Zero, fmt.Errorf("%w: empty rate table", ErrUnknownCurrency)
	}

	from = from.Normalize()

	to = to.Normalize()
	if from == to {
		return amount, nil
	}

	fromRate, ok := r.perUSD[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}

	toRate, ok := r.perUSD[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}

	// Multiply before dividing to keep precision on small amounts.
	return amount.Mul(toRate).DivRound(fromRate, conversionScale), nil
}

// Known reports whether the given currency code is present in the table.
func (r *Rates) Known(code Currency) bool {
	if r == nil {
		return false
	}

	_, ok := r.perUSD[code.Normalize()]

	return ok
}
