// Package ledger defines the credit ledger contract shared by every backend.
//
// Every credit that moves through the system flows through a Store. A Store
// keeps one Account per identity and applies debits and credits atomically,
// exactly once per event id. Backends live in sub-packages:
//
//   - memory: per-identity mutex, in-process registry (tests, development)
//   - redisstore: Lua scripts, event keys with TTL (hot path)
//   - sqlstore: transactional SQL over lib/pq, pgx or SQLite (durable)
//
// Race condition prevention:
// The check of the balance, the check of the event id and the mutation happen
// inside one atomic scope keyed by identity. This prevents the classic
// "check-then-act" race where concurrent requests all see enough credits and
// collectively overdraw the account, and the "check-then-mark" race where a
// retried webhook is applied twice.
//
// Identities are compared byte for byte. No case folding or trimming is done,
// so "0xAbC" and "0xabc" are two different accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors returned by every Store implementation.
var (
	// ErrInsufficientBalance means the debit would drive the balance negative.
	// No mutation was performed.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrStorageFault wraps backend failures. The operation was not applied.
	ErrStorageFault = errors.New("ledger: storage fault")

	// ErrInvalidArgument is returned for empty identities, empty event ids and
	// non-positive amounts.
	ErrInvalidArgument = errors.New("ledger: invalid argument")
)

// DefaultInitialBalance is the free grant given to an account on first touch.
const DefaultInitialBalance int64 = 1000

// DefaultRetention bounds how long applied event ids are remembered.
// Stripe retries a webhook for up to three days.
const DefaultRetention = 72 * time.Hour

// Direction tells whether an event removed or added credits.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Account is the per-identity wallet.
type Account struct {
	Identity    string    `json:"wallet_address"`
	Balance     int64     `json:"balance"`
	Consumed    int64     `json:"consumed"`
	LastUpdated time.Time `json:"last_updated"`
}

// Result is the outcome of TryDebit or Credit.
// Applied is false when the event id had already been applied; Account then
// holds the current, unchanged state.
type Result struct {
	Applied bool
	Account Account
}

// NewBalance is a convenience accessor for the post-operation balance.
func (r Result) NewBalance() int64 { return r.Account.Balance }

// EventRecord is what the idempotency registry remembers about an applied event.
type EventRecord struct {
	EventID   string    `json:"event_id"`
	Identity  string    `json:"wallet_address"`
	Direction Direction `json:"direction"`
	Amount    int64     `json:"amount"`
	AppliedAt time.Time `json:"applied_at"`
}

// Store is the atomic per-identity ledger.
//
// Thread safety: all methods are safe for concurrent use. Operations on the
// same identity are linearized; operations on different identities do not
// contend on a shared lock.
//
// Event ids are scoped to the identity: the same id applied to two different
// identities is applied to both. Callers that need a global id must make it
// unique across identities, as Stripe event ids and request ids are.
type Store interface {
	// GetAccount returns the account, creating it with the initial grant on
	// first touch. A second touch never re-grants.
	GetAccount(ctx context.Context, identity string) (Account, error)

	// TryDebit removes amount from the balance and adds it to consumed.
	TryDebit(ctx context.Context, identity string, amount int64, eventID string) (Result, error)

	// Credit adds amount to the balance. No upper bound is enforced.
	Credit(ctx context.Context, identity string, amount int64, eventID string) (Result, error)

	Close() error
}

// EventLister is implemented by stores that can list applied events.
type EventLister interface {
	ListEvents(ctx context.Context, identity string, limit int) ([]EventRecord, error)
}

// Pruner is implemented by stores whose registry needs explicit garbage
// collection. Records applied before the cutoff are forgotten.
type Pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Pinger is implemented by stores that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry tracks applied event ids for a single atomic scope, one
// identity's account in every store. It never sees ids applied to other
// identities.
//
// A Registry is not synchronized. The owning store must call IsApplied and
// MarkApplied while holding the same lock that guards the balance mutation.
type Registry interface {
	IsApplied(eventID string) bool
	MarkApplied(rec EventRecord)
	Prune(before time.Time) int
}

// ValidateMutation checks the arguments shared by TryDebit and Credit.
func ValidateMutation(identity string, amount int64, eventID string) error {
	switch {
	case identity == "":
		return fmt.Errorf("%w: identity is required", ErrInvalidArgument)
	case eventID == "":
		return fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	case amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, amount)
	}
	return nil
}

// ValidateIdentity checks an identity for read operations.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidArgument)
	}
	return nil
}

// StorageFault wraps err so that errors.Is(err, ErrStorageFault) holds while
// keeping the backend error in the chain.
func StorageFault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFault, op, err)
}

// Sweep prunes events older than retention every interval until ctx is done.
func Sweep(ctx context.Context, p Pruner, retention, interval time.Duration, logger zerolog.Logger) {
	log := logger.With().Str("component", "ledger_sweeper").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PruneEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("event sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("expired events pruned")
			}
		}
	}
}
