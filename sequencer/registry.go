package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/log"
)

// ErrRegistryClosed is returned for any operation after Close.
var ErrRegistryClosed = errors.New("sequencer registry closed")

// Registry guarantees at most one live sequencer per owner. Sequencers are
// created lazily on first use and drop out of the directory when they
// terminate; a later call for the same owner transparently starts a fresh
// one.
type Registry struct {
	store  Ledger
	cfg    Config
	logger log.Logger

	mu         sync.Mutex
	sequencers map[string]*Sequencer
	closed     bool
}

// Option customizes the registry and the sequencers it spawns.
type Option func(cfg *Config)

// WithLogger sets the logger inherited by every sequencer.
func WithLogger(logger log.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithMaxQueueDepth caps outstanding operations per owner.
func WithMaxQueueDepth(depth int) Option {
	return func(cfg *Config) {
		cfg.MaxQueueDepth = depth
	}
}

// WithIdleTimeout sets how long a drained sequencer lingers before
// terminating.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.IdleTimeout = timeout
	}
}

// NewRegistry creates an empty directory backed by the given ledger.
func NewRegistry(store Ledger, opts ...Option) *Registry {
	var cfg Config

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cfg.normalize()

	return &Registry{
		store:      store,
		cfg:        cfg,
		logger:     cfg.Logger,
		sequencers: make(map[string]*Sequencer),
	}
}

// Submit routes one entry through the owner's sequencer, retrying the
// lookup when a call loses the race with an idle teardown.
func (reg *Registry) Submit(ctx context.Context, owner string, entry ledger.Entry) (ledger.Account, error) {
	for {
		seq, err := reg.acquire(ctx, owner)
		if err != nil {
			return ledger.Account{}, err
		}

		account, err := seq.Submit(ctx, entry)
		if errors.Is(err, ErrTerminated) {
			// Deregistration precedes Done closing, so after this wait the
			// next acquire sees a fresh directory slot.
			select {
			case <-seq.Done():
			case <-ctx.Done():
				return ledger.Account{}, fmt.Errorf("submit: %w", ctx.Err())
			}

			continue
		}

		return account, err
	}
}

// Balance performs a barrier read through the owner's sequencer, retrying
// the lookup when a call loses the race with an idle teardown.
func (reg *Registry) Balance(ctx context.Context, owner string) (ledger.Account, error) {
	for {
		seq, err := reg.acquire(ctx, owner)
		if err != nil {
			return ledger.Account{}, err
		}

		account, err := seq.Balance(ctx)
		if errors.Is(err, ErrTerminated) {
			select {
			case <-seq.Done():
			case <-ctx.Done():
				return ledger.Account{}, fmt.Errorf("balance: %w", ctx.Err())
			}

			continue
		}

		return account, err
	}
}

// acquire returns the live sequencer for owner, starting one if absent.
// The insert under the registry mutex is the single point of truth: two
// concurrent first-time callers can never produce two live sequencers, the
// loser simply reuses the winner's.
func (reg *Registry) acquire(ctx context.Context, owner string) (*Sequencer, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return nil, ErrRegistryClosed
	}

	if seq, ok := reg.sequencers[owner]; ok {
		return seq, nil
	}

	if _, err := reg.store.Get(owner); err != nil {
		return nil, err
	}

	seq := newSequencer(owner, reg.store, reg.cfg, reg.remove)
	reg.sequencers[owner] = seq
	seq.start()

	reg.logger.Log(ctx, log.LevelDebug, "sequencer started", log.String("owner", owner))

	return seq, nil
}

// remove drops a terminated sequencer from the directory. The identity
// check keeps a teardown from clobbering an already respawned replacement.
func (reg *Registry) remove(seq *Sequencer) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if current, ok := reg.sequencers[seq.owner]; ok && current == seq {
		delete(reg.sequencers, seq.owner)
	}
}

// Len reports the number of live sequencers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.sequencers)
}

// Close stops every live sequencer, letting queued work finish, and waits
// for them to terminate or for ctx to expire. The registry rejects all
// further operations.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()

	if reg.closed {
		reg.mu.Unlock()

		return nil
	}

	reg.closed = true

	live := make([]*Sequencer, 0, len(reg.sequencers))
	for _, seq := range reg.sequencers {
		live = append(live, seq)
	}

	reg.mu.Unlock()

	for _, seq := range live {
		seq.Stop()
	}

	for _, seq := range live {
		select {
		case <-seq.Done():
		case <-ctx.Done():
			return fmt.Errorf("registry close: %w", ctx.Err())
		}
	}

	return nil
}
