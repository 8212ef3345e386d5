package exbanking

import (
	"errors"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/money"
)

var (
	// ErrUserExists is returned by CreateUser when the owner already has an
	// account.
	ErrUserExists = errors.New("user already exists")
	// ErrUserDoesNotExist is returned when the target user has no account.
	ErrUserDoesNotExist = errors.New("user does not exist")
	// ErrSenderDoesNotExist is ErrUserDoesNotExist scoped to the sending
	// side of a transfer.
	ErrSenderDoesNotExist = errors.New("sender does not exist")
	// ErrReceiverDoesNotExist is ErrUserDoesNotExist scoped to the
	// receiving side of a transfer.
	ErrReceiverDoesNotExist = errors.New("receiver does not exist")
	// ErrTooManyRequestsToUser is returned when the user's operation queue
	// is at capacity. The rejected call has no effect; retry later.
	ErrTooManyRequestsToUser = errors.New("too many requests to user")
	// ErrTooManyRequestsToSender is the transfer-scoped capacity rejection
	// for the sending side.
	ErrTooManyRequestsToSender = errors.New("too many requests to sender")
	// ErrTooManyRequestsToReceiver is the transfer-scoped capacity
	// rejection for the receiving side.
	ErrTooManyRequestsToReceiver = errors.New("too many requests to receiver")
	// ErrReconciliationRequired reports a failed transfer compensation: the
	// sender was debited, the receiver rejected the credit, and the
	// compensating deposit back to the sender also failed. This is a fatal
	// ledger inconsistency, not a recoverable call error.
	ErrReconciliationRequired = errors.New("transfer compensation failed, manual reconciliation required")
	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("bank is closed")
)

// Lower-layer sentinels re-exported so callers need only this package for
// errors.Is checks.
var (
	// ErrInsufficientFunds is returned when a withdrawal exceeds the
	// current balance. The balance is left unchanged.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	// ErrUnknownCurrency is returned when a currency code is absent from
	// the rate table. No transaction is enqueued.
	ErrUnknownCurrency = money.ErrUnknownCurrency
	// ErrInvalidAmount is returned when an operation amount is zero or
	// negative.
	ErrInvalidAmount = ledger.ErrInvalidAmount
)
