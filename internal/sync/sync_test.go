package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tollgate/internal/journal"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/ledger/redisstore"
	"github.com/kelpejol/tollgate/internal/ledger/sqlstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	sql    *sqlstore.Store
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "journal.db"),
		AutoMigrate: true,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{
		mr:     mr,
		rdb:    rdb,
		sql:    store,
		syncer: NewSyncer(rdb, store, zerolog.Nop()),
	}
}

func (f *fixture) journal(t *testing.T, identity string, balance, consumed int64) {
	t.Helper()
	require.NoError(t, f.sql.WriteEntry(context.Background(), journal.Entry{
		EventID:   "evt_" + identity,
		Identity:  identity,
		Direction: ledger.DirectionCredit,
		Amount:    1,
		Balance:   balance,
		Consumed:  consumed,
		AppliedAt: time.Now(),
	}))
}

func TestInitializeRedisRestoresMissingAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.journal(t, "wallet-a", 1999, 1)
	f.journal(t, "wallet-b", 5, 995)

	n, err := f.syncer.InitializeRedis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The Redis ledger now reports the journaled state instead of a fresh grant.
	store := redisstore.New(f.rdb, redisstore.Config{InitialBalance: 1000, Logger: zerolog.Nop()})
	acct, err := store.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1999), acct.Balance)
	assert.Equal(t, int64(1), acct.Consumed)
}

func TestInitializeRedisNeverClobbersLiveBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.journal(t, "wallet-a", 1000, 0)

	f.mr.HSet(redisstore.AccountKey("wallet-a"), "balance", "700", "consumed", "300", "last_updated", "1")

	n, err := f.syncer.InitializeRedis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "700", f.mr.HGet(redisstore.AccountKey("wallet-a"), "balance"))
}

func TestInitializeRedisCompletesPartialHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.journal(t, "wallet-a", 500, 500)

	// Only the balance made it into Redis.
	key := redisstore.AccountKey("wallet-a")
	f.mr.HSet(key, "balance", "500")

	n, err := f.syncer.InitializeRedis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "500", f.mr.HGet(key, "consumed"))
	assert.NotEmpty(t, f.mr.HGet(key, "last_updated"))

	store := redisstore.New(f.rdb, redisstore.Config{InitialBalance: 1000, Logger: zerolog.Nop()})
	res, err := store.TryDebit(ctx, "wallet-a", 1, "chat:1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(499), res.Account.Balance)
	assert.Equal(t, int64(501), res.Account.Consumed)
}

func TestVerifyIntegrityReportsDiscrepancies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.journal(t, "wallet-ok", 10, 0)
	f.journal(t, "wallet-drift", 10, 0)
	f.journal(t, "wallet-gone", 10, 0)

	f.mr.HSet(redisstore.AccountKey("wallet-ok"), "balance", "10")
	f.mr.HSet(redisstore.AccountKey("wallet-drift"), "balance", "7")

	report, err := f.syncer.VerifyIntegrity(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sampled)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Mismatched)
	assert.Equal(t, 2, report.Discrepancies())

	// Reporting does not correct Redis.
	assert.Equal(t, "7", f.mr.HGet(redisstore.AccountKey("wallet-drift"), "balance"))
}

func TestPeriodicSyncStops(t *testing.T) {
	f := newFixture(t)
	f.journal(t, "wallet-a", 42, 0)

	f.syncer.StartPeriodicSync(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.mr.HGet(redisstore.AccountKey("wallet-a"), "balance") == "42"
	}, time.Second, 10*time.Millisecond)

	f.syncer.Stop()
	f.syncer.Stop()
}

func TestPeriodicSyncNegativeIntervalUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.syncer.StartPeriodicSync(-time.Minute)
	f.syncer.Stop()
}
