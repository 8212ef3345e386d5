package sequencer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/log"
)

const (
	// DefaultMaxQueueDepth caps outstanding operations (queued plus
	// in-flight) per owner.
	DefaultMaxQueueDepth = 10
	// DefaultIdleTimeout is how long a fully drained sequencer waits for
	// new work before terminating.
	DefaultIdleTimeout = 10 * time.Second
)

var (
	// ErrTooManyRequests is returned when an owner's queue is at capacity.
	// Rejected requests have no effect and can be retried later.
	ErrTooManyRequests = errors.New("too many requests")
	// ErrTerminated is returned when a call races with a sequencer's idle
	// teardown. The registry retries transparently; callers outside the
	// registry should look the sequencer up again.
	ErrTerminated = errors.New("sequencer terminated")
)

// Ledger is the slice of the account store a sequencer needs: one atomic
// mutation and one snapshot read.
type Ledger interface {
	Apply(owner string, entry ledger.Entry) (ledger.Account, error)
	Get(owner string) (ledger.Account, error)
}

// Config carries the tunables shared by all sequencers of a registry.
type Config struct {
	MaxQueueDepth int
	IdleTimeout   time.Duration
	Logger        log.Logger
}

func (cfg *Config) normalize() {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	cfg.Logger = log.OrNop(cfg.Logger)
}

// Sequencer owns the serialization state machine for one owner: a bounded
// FIFO of pending entries, at most one in-flight worker, and the balance
// readers parked behind the queue.
//
// All state below the mailbox is owned exclusively by the run loop; public
// methods communicate with it only through messages.
type Sequencer struct {
	owner  string
	store  Ledger
	cfg    Config
	logger log.Logger
	onExit func(*Sequencer)

	mailbox  chan message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Loop-owned state. Never touched outside run.
	pending  []submit
	inFlight *inFlight
	waiters  []waiter
}

// waiter is a parked balance reader. remaining counts the entries that were
// outstanding when the read arrived; the reader is answered the moment that
// count hits zero, so it observes exactly the work admitted before it and
// nothing admitted after.
type waiter struct {
	reply     chan outcome
	remaining int
}

// inFlight pairs the dispatched worker with the request it resolves.
type inFlight struct {
	workerID uuid.UUID
	request  submit
}

func newSequencer(owner string, store Ledger, cfg Config, onExit func(*Sequencer)) *Sequencer {
	cfg.normalize()

	return &Sequencer{
		owner:   owner,
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger.With(log.String("owner", owner)),
		onExit:  onExit,
		mailbox: make(chan message),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start launches the message loop.
func (seq *Sequencer) start() {
	go seq.run()
}

// Owner returns the account owner this sequencer serializes.
func (seq *Sequencer) Owner() string {
	return seq.owner
}

// Done is closed when the sequencer has terminated and will accept no
// further work.
func (seq *Sequencer) Done() <-chan struct{} {
	return seq.done
}

// Stop asks the sequencer to finish its queued work and exit. Safe to call
// multiple times and after termination.
func (seq *Sequencer) Stop() {
	seq.stopOnce.Do(func() {
		close(seq.stop)
	})
}

// Submit admits one entry and blocks until that specific entry has been
// applied (or rejected). Admission failures (ErrTooManyRequests) and
// teardown races (ErrTerminated) return immediately.
//
// Cancelling ctx abandons the wait only: an already admitted entry still
// applies in its queue position.
func (seq *Sequencer) Submit(ctx context.Context, entry ledger.Entry) (ledger.Account, error) {
	reply := make(chan outcome, 1)

	select {
	case seq.mailbox <- submit{entry: entry, reply: reply}:
	case <-seq.done:
		return ledger.Account{}, ErrTerminated
	case <-ctx.Done():
		return ledger.Account{}, fmt.Errorf("submit: %w", ctx.Err())
	}

	select {
	case out := <-reply:
		return out.account, out.err
	case <-ctx.Done():
		return ledger.Account{}, fmt.Errorf("submit: %w", ctx.Err())
	}
}

// Balance reads the account behind the queue barrier: it reflects every
// entry admitted before this call and none admitted after. When the queue
// is fully drained it answers immediately.
func (seq *Sequencer) Balance(ctx context.Context) (ledger.Account, error) {
	reply := make(chan outcome, 1)

	select {
	case seq.mailbox <- balanceRead{reply: reply}:
	case <-seq.done:
		return ledger.Account{}, ErrTerminated
	case <-ctx.Done():
		return ledger.Account{}, fmt.Errorf("balance: %w", ctx.Err())
	}

	select {
	case out := <-reply:
		return out.account, out.err
	case <-ctx.Done():
		return ledger.Account{}, fmt.Errorf("balance: %w", ctx.Err())
	}
}

// run is the message loop. It exits when the idle timer fires while fully
// drained, or after Stop once the queue drains.
func (seq *Sequencer) run() {
	defer seq.finish()
	defer seq.recoverPanic()

	idle := time.NewTimer(seq.cfg.IdleTimeout)
	defer idle.Stop()

	stopCh := seq.stop
	stopping := false

	for {
		select {
		case msg := <-seq.mailbox:
			seq.dispatch(msg, stopping)
		case <-stopCh:
			stopping = true
			stopCh = nil
		case <-idle.C:
			if seq.drained() {
				return
			}
		}

		if stopping && seq.drained() {
			return
		}

		seq.rearm(idle)
	}
}

// rearm keeps the idle timer running only while drained. The timer is
// stopped and its channel drained first so a stale fire cannot leak into
// the next select iteration.
func (seq *Sequencer) rearm(idle *time.Timer) {
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}

	if seq.drained() {
		idle.Reset(seq.cfg.IdleTimeout)
	}
}

func (seq *Sequencer) drained() bool {
	return len(seq.pending) == 0 && seq.inFlight == nil
}

func (seq *Sequencer) dispatch(msg message, stopping bool) {
	switch m := msg.(type) {
	case submit:
		seq.admit(m, stopping)
	case balanceRead:
		seq.readBalance(m)
	case completion:
		seq.complete(m)
	}
}

// admit applies the admission rule: reject once queued plus in-flight work
// reaches MaxQueueDepth, otherwise enqueue and advance if nothing is in
// flight.
func (seq *Sequencer) admit(req submit, stopping bool) {
	if stopping {
		req.reply <- outcome{err: ErrTerminated}

		return
	}

	occupied := len(seq.pending)
	if seq.inFlight != nil {
		occupied++
	}

	if occupied >= seq.cfg.MaxQueueDepth {
		req.reply <- outcome{err: ErrTooManyRequests}

		return
	}

	seq.pending = append(seq.pending, req)

	if seq.inFlight == nil {
		seq.advance()
	}
}

// readBalance answers immediately when drained, otherwise parks the reader
// tagged with the number of entries currently outstanding. Parked readers
// are capped by the same depth limit as submissions.
func (seq *Sequencer) readBalance(req balanceRead) {
	if seq.drained() {
		account, err := seq.store.Get(seq.owner)
		req.reply <- outcome{account: account, err: err}

		return
	}

	if len(seq.waiters) >= seq.cfg.MaxQueueDepth {
		req.reply <- outcome{err: ErrTooManyRequests}

		return
	}

	seq.waiters = append(seq.waiters, waiter{
		reply:     req.reply,
		remaining: len(seq.pending) + 1,
	})
}

// complete handles a worker's report: resolve the submitter, answer any
// readers whose admitted-before work has finished, then dispatch the next
// entry.
func (seq *Sequencer) complete(report completion) {
	if seq.inFlight == nil || seq.inFlight.workerID != report.workerID {
		// Unreachable while the one-in-flight invariant holds.
		seq.logger.Log(context.Background(), log.LevelWarn, "dropping completion from unknown worker",
			log.String("worker_id", report.workerID.String()),
		)

		return
	}

	seq.inFlight.request.reply <- outcome{account: report.account, err: report.err}
	seq.inFlight = nil

	// Readers must be answered before the next worker is dispatched so the
	// snapshot cannot include an entry admitted after the read.
	seq.answerDueReaders()

	if len(seq.pending) > 0 {
		seq.advance()
	}
}

// advance pops the queue head and hands it to a fresh one-shot worker.
func (seq *Sequencer) advance() {
	next := seq.pending[0]
	seq.pending = seq.pending[1:]

	work := &worker{
		id:    uuid.New(),
		owner: seq.owner,
		store: seq.store,
		entry: next.entry,
	}
	seq.inFlight = &inFlight{workerID: work.id, request: next}

	work.start(seq.mailbox, seq.done, seq.logger)
}

// answerDueReaders decrements every parked reader's outstanding count and
// answers the ones that reach zero with a single snapshot.
func (seq *Sequencer) answerDueReaders() {
	if len(seq.waiters) == 0 {
		return
	}

	var (
		due  []chan outcome
		kept = seq.waiters[:0]
	)

	for i := range seq.waiters {
		seq.waiters[i].remaining--
		if seq.waiters[i].remaining <= 0 {
			due = append(due, seq.waiters[i].reply)
		} else {
			kept = append(kept, seq.waiters[i])
		}
	}

	seq.waiters = kept

	if len(due) == 0 {
		return
	}

	account, err := seq.store.Get(seq.owner)
	for _, reply := range due {
		reply <- outcome{account: account, err: err}
	}
}

// finish deregisters the sequencer, fails any residual callers, and closes
// done. Deregistration happens before done closes so a caller that loses
// the teardown race finds a fresh sequencer on its retry through the
// registry.
func (seq *Sequencer) finish() {
	if seq.onExit != nil {
		seq.onExit(seq)
	}

	// Residual state is only reachable on the panic path; normal exits are
	// fully drained.
	if seq.inFlight != nil {
		seq.inFlight.request.reply <- outcome{err: ErrTerminated}
		seq.inFlight = nil
	}

	for _, req := range seq.pending {
		req.reply <- outcome{err: ErrTerminated}
	}

	seq.pending = nil

	for _, w := range seq.waiters {
		w.reply <- outcome{err: ErrTerminated}
	}

	seq.waiters = nil

	close(seq.done)

	seq.logger.Log(context.Background(), log.LevelDebug, "sequencer terminated")
}

func (seq *Sequencer) recoverPanic() {
	if recovered := recover(); recovered != nil {
		seq.logger.Log(context.Background(), log.LevelError, "sequencer loop panic recovered",
			log.Any("panic", recovered),
			log.String("stack", string(debug.Stack())),
		)
	}
}
