package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned when a conversion involves a currency code
// absent from the rate table.
var ErrUnknownCurrency = errors.New("unknown currency")

// Currency identifies the unit of a monetary amount, e.g. "USD".
// Codes are compared case-insensitively; use Normalize before map lookups.
type Currency string

// Normalize returns the canonical upper-case form of the code with
// surrounding whitespace removed.
func (c Currency) Normalize() Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(string(c))))
}

// String returns the normalized code as a plain string.
func (c Currency) String() string {
	return string(c.Normalize())
}

// Converter converts an amount between two currencies.
//
// Implementations must be pure: no side effects, no hidden state mutation,
// and safe for concurrent use. The core calls Convert before any transaction
// is enqueued; a conversion error means no state change of any kind.
type Converter interface {
	Convert(amount decimal.Decimal, from, to Currency) (decimal.Decimal, error)
}
