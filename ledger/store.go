package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/okariFrankline/ex-banking/log"
	"github.com/okariFrankline/ex-banking/money"
)

// defaultHistoryLimit bounds the per-account ring of recently applied
// entries kept for diagnostics.
const defaultHistoryLimit = 64

// Store is an in-memory, thread-safe map of owner to account.
//
// The outer mutex guards only slot creation and lookup; every account has
// its own lock, so mutations on different owners proceed in parallel while
// the read-modify-write of one account stays atomic.
type Store struct {
	mu           sync.RWMutex
	slots        map[string]*slot
	historyLimit int
	logger       log.Logger
}

// slot pairs one account with its lock and diagnostic history.
type slot struct {
	mu      sync.Mutex
	account Account
	history []Entry
}

// StoreOption customizes a Store at construction time.
type StoreOption func(store *Store)

// WithStoreLogger sets the logger used for store events.
func WithStoreLogger(logger log.Logger) StoreOption {
	return func(store *Store) {
		store.logger = logger
	}
}

// WithHistoryLimit caps the number of applied entries retained per account.
// Zero disables history retention entirely.
func WithHistoryLimit(limit int) StoreOption {
	return func(store *Store) {
		if limit >= 0 {
			store.historyLimit = limit
		}
	}
}

// NewStore creates an empty account store.
func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		slots:        make(map[string]*slot),
		historyLimit: defaultHistoryLimit,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.logger = log.OrNop(store.logger)

	return store
}

// Create atomically creates a zero-balance account for owner in the given
// currency. Returns ErrAccountExists if the owner already has one.
func (store *Store) Create(owner string, currency money.Currency) (Account, error) {
	now := time.Now().UTC()

	account := Account{
		Owner:     owner,
		Currency:  currency.Normalize(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.slots[owner]; exists {
		return Account{}, ErrAccountExists
	}

	store.slots[owner] = &slot{account: account}

	store.logger.Log(context.Background(), log.LevelDebug, "account created",
		log.String("owner", owner),
		log.String("currency", account.Currency.String()),
	)

	return account, nil
}

// Get returns a point-in-time snapshot of the owner's account.
func (store *Store) Get(owner string) (Account, error) {
	accountSlot, err := store.lookup(owner)
	if err != nil {
		return Account{}, err
	}

	accountSlot.mu.Lock()
	defer accountSlot.mu.Unlock()

	return accountSlot.account, nil
}

// Apply atomically applies one entry to the owner's account and returns the
// resulting snapshot. A failed transition (ErrInsufficientFunds,
// ErrInvalidAmount) leaves the account untouched.
//
// The sequencer layer guarantees at most one in-flight mutation per owner;
// the per-slot lock keeps the account consistent even if that guarantee is
// ever violated.
func (store *Store) Apply(owner string, entry Entry) (Account, error) {
	accountSlot, err := store.lookup(owner)
	if err != nil {
		return Account{}, err
	}

	accountSlot.mu.Lock()
	defer accountSlot.mu.Unlock()

	next, err := ApplyEntry(accountSlot.account, entry)
	if err != nil {
		return Account{}, err
	}

	accountSlot.account = next
	accountSlot.record(entry, store.historyLimit)

	return next, nil
}

// History returns the most recent applied entries for the owner, oldest
// first. The returned slice is a copy.
func (store *Store) History(owner string) ([]Entry, error) {
	accountSlot, err := store.lookup(owner)
	if err != nil {
		return nil, err
	}

	accountSlot.mu.Lock()
	defer accountSlot.mu.Unlock()

	history := make([]Entry, len(accountSlot.history))
	copy(history, accountSlot.history)

	return history, nil
}

func (store *Store) lookup(owner string) (*slot, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	accountSlot, ok := store.slots[owner]
	if !ok {
		return nil, ErrAccountNotFound
	}

	return accountSlot, nil
}

// record appends an applied entry, trimming the ring to limit. Caller holds
// the slot lock.
func (s *slot) record(entry Entry, limit int) {
	if limit <= 0 {
		return
	}

	s.history = append(s.history, entry)
	if overflow := len(s.history) - limit; overflow > 0 {
		s.history = append(s.history[:0], s.history[overflow:]...)
	}
}
