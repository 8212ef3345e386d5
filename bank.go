package exbanking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/log"
	"github.com/okariFrankline/ex-banking/money"
	"github.com/okariFrankline/ex-banking/sequencer"
)

// Bank is the public facade over the banking core. All methods are safe for
// concurrent use; operations on different users run in parallel while each
// user's operations apply strictly one at a time in arrival order.
type Bank struct {
	cfg       Config
	store     *ledger.Store
	registry  *sequencer.Registry
	converter money.Converter
	logger    log.Logger
	tracer    trace.Tracer
	closed    atomic.Bool
	sends     sync.WaitGroup
}

// New assembles a Bank. All dependencies have working defaults; options
// override them.
func New(opts ...Option) *Bank {
	cfg := Config{HistoryLimit: -1}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cfg.normalize()

	storeOpts := []ledger.StoreOption{ledger.WithStoreLogger(cfg.Logger)}
	if cfg.HistoryLimit >= 0 {
		storeOpts = append(storeOpts, ledger.WithHistoryLimit(cfg.HistoryLimit))
	}

	store := ledger.NewStore(storeOpts...)

	registry := sequencer.NewRegistry(store,
		sequencer.WithLogger(cfg.Logger),
		sequencer.WithMaxQueueDepth(cfg.MaxQueueDepth),
		sequencer.WithIdleTimeout(cfg.IdleTimeout),
	)

	return &Bank{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		converter: cfg.Converter,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
}

// CreateUser creates a zero-balance account for owner in the bank's default
// currency. Returns ErrUserExists if the owner already has one.
func (b *Bank) CreateUser(ctx context.Context, owner string) error {
	ctx, span := b.tracer.Start(ctx, "bank.create_user",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	if b.closed.Load() {
		return ErrClosed
	}

	if _, err := b.store.Create(owner, b.cfg.DefaultCurrency); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return ErrUserExists
		}

		return fmt.Errorf("create user: %w", err)
	}

	b.logger.Log(ctx, log.LevelInfo, "user created", log.String("owner", owner))

	return nil
}

// Deposit credits amount/currency to the owner's account and returns the
// new balance, denominated in the request currency.
func (b *Bank) Deposit(ctx context.Context, owner string, amount decimal.Decimal, currency money.Currency) (decimal.Decimal, error) {
	ctx, span := b.tracer.Start(ctx, "bank.deposit",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	account, err := b.submitEntry(ctx, owner, amount, currency, ledger.OperationDeposit)
	if err != nil {
		span.RecordError(err)

		return decimal.Zero, err
	}

	return b.present(account, currency)
}

// Withdraw debits amount/currency from the owner's account and returns the
// new balance, denominated in the request currency. A withdrawal exceeding
// the balance fails with ErrInsufficientFunds and changes nothing.
func (b *Bank) Withdraw(ctx context.Context, owner string, amount decimal.Decimal, currency money.Currency) (decimal.Decimal, error) {
	ctx, span := b.tracer.Start(ctx, "bank.withdraw",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	account, err := b.submitEntry(ctx, owner, amount, currency, ledger.OperationWithdrawal)
	if err != nil {
		span.RecordError(err)

		return decimal.Zero, err
	}

	return b.present(account, currency)
}

// GetBalance returns the owner's balance in the requested currency. The
// read is a barrier: it reflects every operation admitted for the owner
// before this call and none admitted after.
func (b *Bank) GetBalance(ctx context.Context, owner string, currency money.Currency) (decimal.Decimal, error) {
	ctx, span := b.tracer.Start(ctx, "bank.get_balance",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	if b.closed.Load() {
		return decimal.Zero, ErrClosed
	}

	account, err := b.registry.Balance(ctx, owner)
	if err != nil {
		err = b.translate(err)
		span.RecordError(err)

		return decimal.Zero, err
	}

	return b.present(account, currency)
}

// Send transfers amount/currency from one owner to another: a withdrawal
// on the sender followed by a deposit on the receiver, each through the
// normal per-user sequencing path. When the receiver side fails after the
// sender was debited, a compensating deposit restores the sender before the
// transfer error is returned. Returns both updated balances in the request
// currency on success.
//
// Once invoked, the transfer runs to a definitive outcome even if ctx is
// canceled: both legs, and any compensation, still apply. The two legs are
// not atomic across users: the window between debit and credit is
// observable by concurrent balance reads on either account.
func (b *Bank) Send(ctx context.Context, from, to string, amount decimal.Decimal, currency money.Currency) (decimal.Decimal, decimal.Decimal, error) {
	ctx, span := b.tracer.Start(ctx, "bank.send",
		trace.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	defer span.End()

	b.sends.Add(1)
	defer b.sends.Done()

	if b.closed.Load() {
		return decimal.Zero, decimal.Zero, ErrClosed
	}

	// An admitted entry applies regardless of a canceled wait, so acting on
	// ctx.Err() here could refund a debit that landed or skip refunding one
	// that did. Each leg waits for its definitive outcome instead.
	ctx = context.WithoutCancel(ctx)

	senderAccount, err := b.applyEntry(ctx, from, amount, currency, ledger.OperationWithdrawal)
	if err != nil {
		err = asSenderError(err)
		span.RecordError(err)

		return decimal.Zero, decimal.Zero, err
	}

	receiverAccount, err := b.applyEntry(ctx, to, amount, currency, ledger.OperationDeposit)
	if err != nil {
		if compensationErr := b.compensate(ctx, from, amount, currency); compensationErr != nil {
			b.logger.Log(ctx, log.LevelError, "transfer compensation failed, ledger requires manual reconciliation",
				log.String("from", from),
				log.String("to", to),
				log.String("amount", amount.String()),
				log.String("currency", currency.String()),
				log.Err(compensationErr),
			)

			fatal := fmt.Errorf("%w: compensating %s %s to %q: %w",
				ErrReconciliationRequired, amount, currency, from, compensationErr)
			span.RecordError(fatal)

			return decimal.Zero, decimal.Zero, fatal
		}

		err = asReceiverError(err)
		span.RecordError(err)

		return decimal.Zero, decimal.Zero, err
	}

	senderBalance, err := b.present(senderAccount, currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	receiverBalance, err := b.present(receiverAccount, currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	return senderBalance, receiverBalance, nil
}

// History returns the most recent applied entries for the owner, oldest
// first.
func (b *Bank) History(ctx context.Context, owner string) ([]ledger.Entry, error) {
	_, span := b.tracer.Start(ctx, "bank.history",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	history, err := b.store.History(owner)
	if err != nil {
		return nil, b.translate(err)
	}

	return history, nil
}

// Close stops accepting operations, waits for in-flight transfers to reach
// their definitive outcome, lets queued work finish, and waits for every
// live sequencer to terminate or for ctx to expire. Idempotent.
func (b *Bank) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.logger.Log(ctx, log.LevelInfo, "bank closing")

	// A transfer past its debit must be able to finish, compensation
	// included, before the sequencers shut down.
	drained := make(chan struct{})

	go func() {
		b.sends.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("close: %w", ctx.Err())
	}

	return b.registry.Close(ctx)
}

// submitEntry is the mutation path for the single-account operations:
// reject when closed, then apply.
func (b *Bank) submitEntry(ctx context.Context, owner string, amount decimal.Decimal, currency money.Currency, operation ledger.Operation) (ledger.Account, error) {
	if b.closed.Load() {
		return ledger.Account{}, ErrClosed
	}

	return b.applyEntry(ctx, owner, amount, currency, operation)
}

// applyEntry resolves the account, converts the amount into its fixed
// currency, builds the entry, and routes it through the owner's sequencer.
// It carries no closed gate: transfer legs and compensations already in
// flight finish while the bank drains.
func (b *Bank) applyEntry(ctx context.Context, owner string, amount decimal.Decimal, currency money.Currency, operation ledger.Operation) (ledger.Account, error) {
	if !amount.IsPositive() {
		return ledger.Account{}, ErrInvalidAmount
	}

	account, err := b.store.Get(owner)
	if err != nil {
		return ledger.Account{}, b.translate(err)
	}

	converted, err := b.converter.Convert(amount, currency, account.Currency)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("convert %s %s: %w", amount, currency, err)
	}

	var entry ledger.Entry

	switch operation {
	case ledger.OperationDeposit:
		entry = ledger.NewDeposit(converted)
	case ledger.OperationWithdrawal:
		entry = ledger.NewWithdrawal(converted)
	default:
		return ledger.Account{}, ledger.ErrUnsupportedOperation
	}

	applied, err := b.registry.Submit(ctx, owner, entry)
	if err != nil {
		return ledger.Account{}, b.translate(err)
	}

	return applied, nil
}

// compensate deposits amount/currency back to the sender of a failed
// transfer. Capacity rejections are retried with exponential backoff; the
// compensation itself must land, so it is detached from the caller's
// cancellation.
func (b *Bank) compensate(ctx context.Context, owner string, amount decimal.Decimal, currency money.Currency) error {
	ctx = context.WithoutCancel(ctx)

	return retryOnCapacity(b.cfg.CompensationRetries, b.cfg.CompensationBackoff, func() error {
		_, err := b.applyEntry(ctx, owner, amount, currency, ledger.OperationDeposit)

		return err
	})
}

// retryOnCapacity runs op until it succeeds or fails with anything other
// than a capacity rejection, sleeping an exponentially growing delay
// between attempts. The last error is returned when attempts run out.
func retryOnCapacity(attempts int, base time.Duration, op func() error) error {
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(base, attempt-1))
		}

		if err = op(); err == nil {
			return nil
		}

		if !errors.Is(err, ErrTooManyRequestsToUser) {
			return err
		}
	}

	return err
}

// backoffDelay is base * 2^attempt, capped at one second.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const ceiling = time.Second

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}

	return delay
}

// present denominates an account snapshot in the requested currency.
func (b *Bank) present(account ledger.Account, currency money.Currency) (decimal.Decimal, error) {
	currency = currency.Normalize()
	if currency == account.Currency {
		return account.Balance, nil
	}

	balance, err := b.converter.Convert(account.Balance, account.Currency, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("present balance: %w", err)
	}

	return balance, nil
}

// translate maps lower-layer sentinels onto the public taxonomy.
func (b *Bank) translate(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return ErrUserDoesNotExist
	case errors.Is(err, sequencer.ErrTooManyRequests):
		return ErrTooManyRequestsToUser
	case errors.Is(err, sequencer.ErrRegistryClosed):
		return ErrClosed
	default:
		return err
	}
}

// asSenderError rescopes user-level errors to the sending side of a
// transfer.
func asSenderError(err error) error {
	switch {
	case errors.Is(err, ErrUserDoesNotExist):
		return ErrSenderDoesNotExist
	case errors.Is(err, ErrTooManyRequestsToUser):
		return ErrTooManyRequestsToSender
	default:
		return err
	}
}

// asReceiverError rescopes user-level errors to the receiving side of a
// transfer.
func asReceiverError(err error) error {
	switch {
	case errors.Is(err, ErrUserDoesNotExist):
		return ErrReceiverDoesNotExist
	case errors.Is(err, ErrTooManyRequestsToUser):
		return ErrTooManyRequestsToReceiver
	default:
		return err
	}
}
