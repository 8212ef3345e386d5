package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okariFrankline/ex-banking/money"
)

var (
	// ErrAccountExists is returned when creating an account for an owner
	// that already has one.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account exists for an owner.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds is returned when a withdrawal would drive the
	// balance below zero. The account is left untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned when an entry amount is zero or negative.
	ErrInvalidAmount = errors.New("entry amount must be greater than zero")
	// ErrUnsupportedOperation is returned for an entry whose operation is
	// neither a deposit nor a withdrawal.
	ErrUnsupportedOperation = errors.New("unsupported entry operation")
)

// Account is the balance state for one owner.
//
// Invariants: Balance is never negative at any observable point and
// Currency is fixed at creation. The Store owns the canonical copy; values
// handed out are snapshots.
type Account struct {
	Owner     string
	Balance   decimal.Decimal
	Currency  money.Currency
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApplyEntry applies a single entry to an account and returns the new state.
// It is a pure transition: the input account is never mutated, and an error
// means no state change of any kind.
//
// The entry amount must already be denominated in the account's currency.
func ApplyEntry(account Account, entry Entry) (Account, error) {
	if !entry.Amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}

	result := account

	switch entry.Operation {
	case OperationDeposit:
		result.Balance = result.Balance.Add(entry.Amount)
	case OperationWithdrawal:
		result.Balance = result.Balance.Sub(entry.Amount)
	default:
		return Account{}, ErrUnsupportedOperation
	}

	if result.Balance.IsNegative() {
		return Account{}, ErrInsufficientFunds
	}

	result.Version++
	result.UpdatedAt = time.Now().UTC()

	return result, nil
}
