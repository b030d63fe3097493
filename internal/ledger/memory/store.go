// Package memory provides an in-process ledger.Store.
//
// Each identity owns its own mutex and idempotency registry, so unrelated
// identities never contend. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
)

type account struct {
	mu       sync.Mutex
	state    ledger.Account
	registry *ledger.MapRegistry
}

// Store implements ledger.Store in memory.
type Store struct {
	accounts       sync.Map // identity -> *account
	initialBalance int64
	now            func() time.Time
	log            zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithInitialBalance sets the grant given to new accounts.
func WithInitialBalance(n int64) Option {
	return func(s *Store) { s.initialBalance = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		initialBalance: ledger.DefaultInitialBalance,
		now:            time.Now,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "memory_ledger").Logger()
	return s
}

// load returns the account for identity, creating it on first touch.
// LoadOrStore guarantees a single winner, so the grant is given once.
func (s *Store) load(identity string) *account {
	if v, ok := s.accounts.Load(identity); ok {
		return v.(*account)
	}
	fresh := &account{
		state: ledger.Account{
			Identity:    identity,
			Balance:     s.initialBalance,
			LastUpdated: s.now().UTC(),
		},
		registry: ledger.NewMapRegistry(),
	}
	v, loaded := s.accounts.LoadOrStore(identity, fresh)
	if !loaded {
		s.log.Debug().
			Str("wallet_address", identity).
			Int64("initial_balance", s.initialBalance).
			Msg("account created")
	}
	return v.(*account)
}

func (s *Store) GetAccount(_ context.Context, identity string) (ledger.Account, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return ledger.Account{}, err
	}
	a := s.load(identity)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

func (s *Store) TryDebit(_ context.Context, identity string, amount int64, eventID string) (ledger.Result, error) {
	if err := ledger.ValidateMutation(identity, amount, eventID); err != nil {
		return ledger.Result{}, err
	}
	a := s.load(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.registry.IsApplied(eventID) {
		return ledger.Result{Applied: false, Account: a.state}, nil
	}
	if a.state.Balance < amount {
		return ledger.Result{Account: a.state}, ledger.ErrInsufficientBalance
	}

	now := s.now().UTC()
	a.state.Balance -= amount
	a.state.Consumed += amount
	a.state.LastUpdated = now
	a.registry.MarkApplied(ledger.EventRecord{
		EventID:   eventID,
		Identity:  identity,
		Direction: ledger.DirectionDebit,
		Amount:    amount,
		AppliedAt: now,
	})
	return ledger.Result{Applied: true, Account: a.state}, nil
}

func (s *Store) Credit(_ context.Context, identity string, amount int64, eventID string) (ledger.Result, error) {
	if err := ledger.ValidateMutation(identity, amount, eventID); err != nil {
		return ledger.Result{}, err
	}
	a := s.load(identity)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.registry.IsApplied(eventID) {
		return ledger.Result{Applied: false, Account: a.state}, nil
	}

	now := s.now().UTC()
	a.state.Balance += amount
	a.state.LastUpdated = now
	a.registry.MarkApplied(ledger.EventRecord{
		EventID:   eventID,
		Identity:  identity,
		Direction: ledger.DirectionCredit,
		Amount:    amount,
		AppliedAt: now,
	})
	return ledger.Result{Applied: true, Account: a.state}, nil
}

// ListEvents returns the newest applied events for identity.
func (s *Store) ListEvents(_ context.Context, identity string, limit int) ([]ledger.EventRecord, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	v, ok := s.accounts.Load(identity)
	if !ok {
		return nil, nil
	}
	a := v.(*account)
	a.mu.Lock()
	records := a.registry.Records()
	a.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].AppliedAt.After(records[j].AppliedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// PruneEvents forgets events applied before the cutoff. Accounts are locked
// one at a time.
func (s *Store) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	var pruned int64
	s.accounts.Range(func(_, v any) bool {
		a := v.(*account)
		a.mu.Lock()
		pruned += int64(a.registry.Prune(before))
		a.mu.Unlock()
		return true
	})
	return pruned, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op; the store holds no external resources.
func (s *Store) Close() error { return nil }

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.EventLister = (*Store)(nil)
	_ ledger.Pruner      = (*Store)(nil)
)
