package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation is the kind of balance mutation an entry performs.
type Operation string

const (
	// OperationDeposit increases the account balance.
	OperationDeposit Operation = "DEPOSIT"
	// OperationWithdrawal decreases the account balance.
	OperationWithdrawal Operation = "WITHDRAWAL"
)

// Entry is an immutable mutation request: one operation, one positive
// amount, consumed exactly once. The amount is denominated in the target
// account's currency by the time the entry is built.
type Entry struct {
	ID        uuid.UUID
	Operation Operation
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// NewDeposit builds a deposit entry for the given amount.
func NewDeposit(amount decimal.Decimal) Entry {
	return newEntry(OperationDeposit, amount)
}

// NewWithdrawal builds a withdrawal entry for the given amount.
func NewWithdrawal(amount decimal.Decimal) Entry {
	return newEntry(OperationWithdrawal, amount)
}

func newEntry(operation Operation, amount decimal.Decimal) Entry {
	return Entry{
		ID:        uuid.New(),
		Operation: operation,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
}
