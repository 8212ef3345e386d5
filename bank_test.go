package exbanking

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/money"
	"github.com/okariFrankline/ex-banking/sequencer"
)

// gatedConverter delegates to a real rate table but parks the nth
// conversion of the trigger amount until released, so tests can suspend a
// transfer at a chosen point mid-flight.
type gatedConverter struct {
	inner   money.Converter
	trigger decimal.Decimal
	gateOn  int64
	seen    atomic.Int64
	entered chan struct{}
	gate    chan struct{}
}

func newGatedConverter(trigger decimal.Decimal, gateOn int64) *gatedConverter {
	return &gatedConverter{
		inner:   money.NewRates(),
		trigger: trigger,
		gateOn:  gateOn,
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
}

func (c *gatedConverter) Convert(amount decimal.Decimal, from, to money.Currency) (decimal.Decimal, error) {
	if amount.Equal(c.trigger) && c.seen.Add(1) == c.gateOn {
		c.entered <- struct{}{}
		<-c.gate
	}

	return c.inner.Convert(amount, from, to)
}

// failingConverter delegates until the nth conversion of the trigger
// amount, which fails with err.
type failingConverter struct {
	inner   money.Converter
	trigger decimal.Decimal
	failOn  int64
	seen    atomic.Int64
	err     error
}

func (c *failingConverter) Convert(amount decimal.Decimal, from, to money.Currency) (decimal.Decimal, error) {
	if amount.Equal(c.trigger) && c.seen.Add(1) == c.failOn {
		return decimal.Zero, c.err
	}

	return c.inner.Convert(amount, from, to)
}

// sendOutcome collects the results of a Send run on another goroutine.
type sendOutcome struct {
	sender   decimal.Decimal
	receiver decimal.Decimal
	err      error
}

func newTestBank(t *testing.T, opts ...Option) *Bank {
	t.Helper()

	bank := New(opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = bank.Close(ctx)
	})

	return bank
}

func mustDeposit(t *testing.T, bank *Bank, owner string, amount int64) {
	t.Helper()

	_, err := bank.Deposit(context.Background(), owner, decimal.NewFromInt(amount), "USD")
	require.NoError(t, err)
}

func assertBalance(t *testing.T, bank *Bank, owner string, expected int64) {
	t.Helper()

	balance, err := bank.GetBalance(context.Background(), owner, "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(expected).Equal(balance),
		"owner %s: expected %d, got %s", owner, expected, balance)
}

func TestCreateUser(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	err := bank.CreateUser(context.Background(), "alice")
	require.ErrorIs(t, err, ErrUserExists)

	// The duplicate attempt has no effect on the original account.
	assertBalance(t, bank, "alice", 0)
}

func TestDepositWithdrawGetBalance(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	balance, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(balance))

	balance, err = bank.Withdraw(context.Background(), "alice", decimal.NewFromInt(30), "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(balance))

	assertBalance(t, bank, "alice", 70)
}

// Accounts hold one fixed currency; requests in other currencies are
// converted into it on the way in, and balances are presented in the
// request currency on the way out.
func TestCurrencyConversionAroundFixedAccountCurrency(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	balance, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(92), "EUR")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(92).Equal(balance),
		"expected 92, got %s", balance)

	// Same balance viewed in the account's own currency.
	assertBalance(t, bank, "alice", 100)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 50)

	_, err := bank.Withdraw(context.Background(), "alice", decimal.NewFromInt(51), "USD")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assertBalance(t, bank, "alice", 50)
}

func TestUnknownCurrency(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	_, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(10), "XXX")
	require.ErrorIs(t, err, ErrUnknownCurrency)

	_, err = bank.GetBalance(context.Background(), "alice", "XXX")
	require.ErrorIs(t, err, ErrUnknownCurrency)

	assertBalance(t, bank, "alice", 0)
}

func TestOperationsOnMissingUser(t *testing.T) {
	bank := newTestBank(t)

	_, err := bank.Deposit(context.Background(), "ghost", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrUserDoesNotExist)

	_, err = bank.Withdraw(context.Background(), "ghost", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrUserDoesNotExist)

	_, err = bank.GetBalance(context.Background(), "ghost", "USD")
	require.ErrorIs(t, err, ErrUserDoesNotExist)

	_, err = bank.History(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUserDoesNotExist)
}

func TestInvalidAmount(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	_, err := bank.Deposit(context.Background(), "alice", decimal.Zero, "USD")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = bank.Withdraw(context.Background(), "alice", decimal.NewFromInt(-1), "USD")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSend(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.CreateUser(context.Background(), "bob"))
	mustDeposit(t, bank, "alice", 100)

	senderBalance, receiverBalance, err := bank.Send(context.Background(), "alice", "bob", decimal.NewFromInt(30), "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(senderBalance),
		"expected 70, got %s", senderBalance)
	assert.True(t, decimal.NewFromInt(30).Equal(receiverBalance),
		"expected 30, got %s", receiverBalance)

	assertBalance(t, bank, "alice", 70)
	assertBalance(t, bank, "bob", 30)
}

func TestSendToMissingReceiverCompensates(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 100)

	_, _, err := bank.Send(context.Background(), "alice", "ghost", decimal.NewFromInt(50), "USD")
	require.ErrorIs(t, err, ErrReceiverDoesNotExist)

	// The compensating deposit restores the sender exactly.
	assertBalance(t, bank, "alice", 100)
}

func TestSendFromMissingSender(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "bob"))

	_, _, err := bank.Send(context.Background(), "ghost", "bob", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrSenderDoesNotExist)

	assertBalance(t, bank, "bob", 0)
}

func TestSendInsufficientFunds(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.CreateUser(context.Background(), "bob"))
	mustDeposit(t, bank, "alice", 10)

	_, _, err := bank.Send(context.Background(), "alice", "bob", decimal.NewFromInt(11), "USD")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assertBalance(t, bank, "alice", 10)
	assertBalance(t, bank, "bob", 0)
}

// Cancelling the caller's context between the sender debit and the receiver
// credit must not change what the transfer applies: both legs were (or will
// be) admitted, so both must land exactly once, with no refund.
func TestSendCompletesAfterCallerCancels(t *testing.T) {
	transfer := decimal.NewFromInt(7)
	converter := newGatedConverter(transfer, 2)
	bank := newTestBank(t, WithConverter(converter))

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.CreateUser(context.Background(), "bob"))
	mustDeposit(t, bank, "alice", 100)

	ctx, cancel := context.WithCancel(context.Background())

	results := make(chan sendOutcome, 1)

	go func() {
		sender, receiver, err := bank.Send(ctx, "alice", "bob", transfer, "USD")
		results <- sendOutcome{sender: sender, receiver: receiver, err: err}
	}()

	// The transfer is suspended after the debit, before the receiver leg.
	<-converter.entered
	cancel()
	close(converter.gate)

	result := <-results
	require.NoError(t, result.err)
	assert.True(t, decimal.NewFromInt(93).Equal(result.sender),
		"expected 93, got %s", result.sender)
	assert.True(t, decimal.NewFromInt(7).Equal(result.receiver),
		"expected 7, got %s", result.receiver)

	assertBalance(t, bank, "alice", 93)
	assertBalance(t, bank, "bob", 7)
}

// When the compensating deposit itself fails, the transfer must escalate to
// the unrecoverable reconciliation error and leave the sender debited;
// silently swallowing the refund failure would misreport the ledger state.
func TestSendEscalatesWhenCompensationFails(t *testing.T) {
	transfer := decimal.NewFromInt(7)
	converter := &failingConverter{
		inner:   money.NewRates(),
		trigger: transfer,
		failOn:  2,
		err:     errors.New("rate source unavailable"),
	}
	bank := newTestBank(t, WithConverter(converter), WithCompensationRetries(2), WithCompensationBackoff(time.Millisecond))

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 100)

	_, _, err := bank.Send(context.Background(), "alice", "ghost", transfer, "USD")
	require.ErrorIs(t, err, ErrReconciliationRequired)

	// The sender stays debited: exactly what reconciliation must repair.
	assertBalance(t, bank, "alice", 93)
}

func TestSendToSelfIsANetNoop(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 25)

	_, receiverBalance, err := bank.Send(context.Background(), "alice", "alice", decimal.NewFromInt(10), "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(receiverBalance))

	assertBalance(t, bank, "alice", 25)
}

func TestConcurrentDepositsConserveMoney(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))

	const callers = 50

	var accepted atomic.Int64

	var group errgroup.Group

	for i := 0; i < callers; i++ {
		group.Go(func() error {
			_, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(1), "USD")
			if err == nil {
				accepted.Add(1)

				return nil
			}

			if errors.Is(err, ErrTooManyRequestsToUser) {
				return nil
			}

			return err
		})
	}

	require.NoError(t, group.Wait())
	require.Positive(t, accepted.Load())

	// Rejected calls must have had zero effect.
	assertBalance(t, bank, "alice", accepted.Load())
}

func TestConcurrentTransferFairness(t *testing.T) {
	bank := newTestBank(t, WithMaxQueueDepth(64))

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.CreateUser(context.Background(), "bob"))
	mustDeposit(t, bank, "alice", 100)
	mustDeposit(t, bank, "bob", 100)

	var group errgroup.Group

	sendOne := func(from, to string) func() error {
		return func() error {
			_, _, err := bank.Send(context.Background(), from, to, decimal.NewFromInt(1), "USD")

			switch {
			case err == nil,
				errors.Is(err, ErrTooManyRequestsToSender),
				errors.Is(err, ErrTooManyRequestsToReceiver),
				errors.Is(err, ErrInsufficientFunds):
				return nil
			default:
				return err
			}
		}
	}

	for i := 0; i < 50; i++ {
		group.Go(sendOne("alice", "bob"))
		group.Go(sendOne("bob", "alice"))
	}

	require.NoError(t, group.Wait())

	aliceBalance, err := bank.GetBalance(context.Background(), "alice", "USD")
	require.NoError(t, err)

	bobBalance, err := bank.GetBalance(context.Background(), "bob", "USD")
	require.NoError(t, err)

	total := aliceBalance.Add(bobBalance)
	assert.True(t, decimal.NewFromInt(200).Equal(total),
		"money not conserved: alice=%s bob=%s total=%s", aliceBalance, bobBalance, total)
}

func TestIdleTeardownIsTransparent(t *testing.T) {
	bank := newTestBank(t, WithIdleTimeout(30*time.Millisecond))

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 1)

	// Let the sequencer idle out, then operate again: a fresh one is
	// created transparently and state survives in the store.
	time.Sleep(200 * time.Millisecond)

	balance, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(1), "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(balance),
		"expected 2, got %s", balance)
}

func TestHistory(t *testing.T) {
	bank := newTestBank(t)

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	mustDeposit(t, bank, "alice", 10)

	_, err := bank.Withdraw(context.Background(), "alice", decimal.NewFromInt(4), "USD")
	require.NoError(t, err)

	history, err := bank.History(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.OperationDeposit, history[0].Operation)
	assert.Equal(t, ledger.OperationWithdrawal, history[1].Operation)
}

func TestRetryOnCapacity(t *testing.T) {
	t.Run("recovers after transient capacity rejections", func(t *testing.T) {
		calls := 0

		err := retryOnCapacity(5, time.Microsecond, func() error {
			calls++
			if calls < 3 {
				return ErrTooManyRequestsToUser
			}

			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted attempts return the capacity error", func(t *testing.T) {
		calls := 0

		err := retryOnCapacity(3, time.Microsecond, func() error {
			calls++

			return ErrTooManyRequestsToUser
		})

		require.ErrorIs(t, err, ErrTooManyRequestsToUser)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-capacity errors stop the retries", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0

		err := retryOnCapacity(5, time.Microsecond, func() error {
			calls++

			return boom
		})

		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Millisecond

	assert.Equal(t, 5*time.Millisecond, backoffDelay(base, 0))
	assert.Equal(t, 10*time.Millisecond, backoffDelay(base, 1))
	assert.Equal(t, 40*time.Millisecond, backoffDelay(base, 3))
	// Growth is capped at one second.
	assert.Equal(t, time.Second, backoffDelay(base, 20))
}

// Close must not cut off a transfer that is already past its debit: the
// receiver leg (and any compensation) still needs the sequencers.
func TestCloseWaitsForInFlightTransfer(t *testing.T) {
	transfer := decimal.NewFromInt(7)
	converter := newGatedConverter(transfer, 2)
	bank := New(WithConverter(converter))

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.CreateUser(context.Background(), "bob"))
	mustDeposit(t, bank, "alice", 100)

	results := make(chan sendOutcome, 1)

	go func() {
		sender, receiver, err := bank.Send(context.Background(), "alice", "bob", transfer, "USD")
		results <- sendOutcome{sender: sender, receiver: receiver, err: err}
	}()

	<-converter.entered

	closed := make(chan error, 1)

	go func() {
		closed <- bank.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a transfer was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(converter.gate)

	result := <-results
	require.NoError(t, result.err)
	assert.True(t, decimal.NewFromInt(93).Equal(result.sender),
		"expected 93, got %s", result.sender)
	assert.True(t, decimal.NewFromInt(7).Equal(result.receiver),
		"expected 7, got %s", result.receiver)

	require.NoError(t, <-closed)
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	bank := New()

	require.NoError(t, bank.CreateUser(context.Background(), "alice"))
	require.NoError(t, bank.Close(context.Background()))

	require.ErrorIs(t, bank.CreateUser(context.Background(), "bob"), ErrClosed)

	_, err := bank.Deposit(context.Background(), "alice", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrClosed)

	_, err = bank.GetBalance(context.Background(), "alice", "USD")
	require.ErrorIs(t, err, ErrClosed)

	// Idempotent.
	require.NoError(t, bank.Close(context.Background()))
}

func TestErrorTranslation(t *testing.T) {
	bank := newTestBank(t)

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "account not found", err: ledger.ErrAccountNotFound, expected: ErrUserDoesNotExist},
		{name: "queue at capacity", err: sequencer.ErrTooManyRequests, expected: ErrTooManyRequestsToUser},
		{name: "registry closed", err: sequencer.ErrRegistryClosed, expected: ErrClosed},
		{name: "passthrough", err: ErrInsufficientFunds, expected: ErrInsufficientFunds},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, bank.translate(tt.err), tt.expected)
		})
	}
}

func TestTransferErrorScoping(t *testing.T) {
	assert.ErrorIs(t, asSenderError(ErrUserDoesNotExist), ErrSenderDoesNotExist)
	assert.ErrorIs(t, asSenderError(ErrTooManyRequestsToUser), ErrTooManyRequestsToSender)
	assert.ErrorIs(t, asSenderError(ErrInsufficientFunds), ErrInsufficientFunds)

	assert.ErrorIs(t, asReceiverError(ErrUserDoesNotExist), ErrReceiverDoesNotExist)
	assert.ErrorIs(t, asReceiverError(ErrTooManyRequestsToUser), ErrTooManyRequestsToReceiver)
	assert.ErrorIs(t, asReceiverError(ErrUnknownCurrency), ErrUnknownCurrency)
}
