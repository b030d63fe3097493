// Package ledgertest holds the behavioural suite every ledger.Store backend
// must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store whose initial grant is initialBalance.
type Factory func(t *testing.T, initialBalance int64) ledger.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LazyCreationGrantsOnce", func(t *testing.T) { testLazyCreation(t, newStore) })
	t.Run("DebitAndCredit", func(t *testing.T) { testDebitAndCredit(t, newStore) })
	t.Run("InsufficientBalanceDoesNotMutate", func(t *testing.T) { testInsufficient(t, newStore) })
	t.Run("DuplicateEventsApplyOnce", func(t *testing.T) { testDuplicates(t, newStore) })
	t.Run("IdentityIsExactMatch", func(t *testing.T) { testExactMatch(t, newStore) })
	t.Run("EventIDsScopedToIdentity", func(t *testing.T) { testEventScope(t, newStore) })
	t.Run("InvalidArguments", func(t *testing.T) { testInvalidArguments(t, newStore) })
	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) { testConcurrentDebits(t, newStore) })
	t.Run("ConcurrentDuplicateCredits", func(t *testing.T) { testConcurrentDuplicateCredits(t, newStore) })
}

func testLazyCreation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 1000)

	acct, err := s.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, "wallet-a", acct.Identity)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(0), acct.Consumed)
	assert.False(t, acct.LastUpdated.IsZero())

	_, err = s.TryDebit(ctx, "wallet-a", 10, "evt-1")
	require.NoError(t, err)

	acct, err = s.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(990), acct.Balance, "second touch must not re-grant")
}

func testDebitAndCredit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 1000)

	res, err := s.TryDebit(ctx, "wallet-a", 1, "chat:1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(999), res.NewBalance())
	assert.Equal(t, int64(1), res.Account.Consumed)

	res, err = s.Credit(ctx, "wallet-a", 1000, "evt_stripe_1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(1999), res.NewBalance())
	assert.Equal(t, int64(1), res.Account.Consumed, "credits do not touch consumed")

	acct, err := s.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1999), acct.Balance)
	assert.Equal(t, int64(1), acct.Consumed)
}

func testInsufficient(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 5)

	_, err := s.TryDebit(ctx, "wallet-a", 6, "chat:big")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	acct, err := s.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Equal(t, int64(0), acct.Consumed)

	// The failed event id was not recorded, so it may succeed later.
	_, err = s.Credit(ctx, "wallet-a", 10, "topup")
	require.NoError(t, err)
	res, err := s.TryDebit(ctx, "wallet-a", 6, "chat:big")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(9), res.NewBalance())

	// Draining to exactly zero is allowed.
	res, err = s.TryDebit(ctx, "wallet-a", 9, "chat:drain")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance())
}

func testDuplicates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 1000)

	for i := 0; i < 5; i++ {
		res, err := s.Credit(ctx, "wallet-a", 1000, "evt_dup")
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Applied, "delivery %d", i)
		assert.Equal(t, int64(2000), res.NewBalance())
	}

	for i := 0; i < 3; i++ {
		res, err := s.TryDebit(ctx, "wallet-a", 1, "chat:dup")
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Applied)
		assert.Equal(t, int64(1999), res.NewBalance())
		assert.Equal(t, int64(1), res.Account.Consumed)
	}
}

func testExactMatch(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 100)

	_, err := s.TryDebit(ctx, "0xAbC", 40, "chat:1")
	require.NoError(t, err)

	lower, err := s.GetAccount(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(100), lower.Balance)

	mixed, err := s.GetAccount(ctx, "0xAbC")
	require.NoError(t, err)
	assert.Equal(t, int64(60), mixed.Balance)
}

func testEventScope(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	for _, identity := range []string{"wallet-a", "wallet-b"} {
		res, err := s.Credit(ctx, identity, 10, "evt_shared")
		require.NoError(t, err)
		assert.True(t, res.Applied, identity)
		assert.Equal(t, int64(10), res.NewBalance())
	}

	res, err := s.Credit(ctx, "wallet-b", 10, "evt_shared")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func testInvalidArguments(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 100)

	_, err := s.GetAccount(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = s.TryDebit(ctx, "wallet-a", 0, "evt")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = s.TryDebit(ctx, "wallet-a", 1, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = s.Credit(ctx, "wallet-a", -5, "evt")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func testConcurrentDebits(t *testing.T, newStore Factory) {
	ctx := context.Background()
	const (
		balance  = 7
		cost     = 2
		attempts = 20
	)
	s := newStore(t, balance)

	var ok, rejected atomic.Int64
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		i := i
		g.Go(func() error {
			_, err := s.TryDebit(ctx, "wallet-hot", cost, fmt.Sprintf("chat:%d", i))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(balance/cost), ok.Load())
	assert.Equal(t, int64(attempts-balance/cost), rejected.Load())

	acct, err := s.GetAccount(ctx, "wallet-hot")
	require.NoError(t, err)
	assert.Equal(t, int64(balance-cost*(balance/cost)), acct.Balance)
	assert.Equal(t, int64(cost*(balance/cost)), acct.Consumed)
}

func testConcurrentDuplicateCredits(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	var applied atomic.Int64
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			res, err := s.Credit(ctx, "wallet-b", 500, "evt_retry")
			if err != nil {
				return err
			}
			if res.Applied {
				applied.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), applied.Load())

	acct, err := s.GetAccount(ctx, "wallet-b")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
}
