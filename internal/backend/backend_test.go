package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tollgate/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backendName string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.LedgerBackend = backendName
	cfg.JournalDriver = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.InitialCredits = 42
	return &cfg
}

func TestOpen(t *testing.T) {
	for _, name := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(name, func(t *testing.T) {
			b, err := Open(context.Background(), testConfig(t, name), zerolog.Nop(), Options{})
			require.NoError(t, err)
			defer b.Close()

			assert.NotNil(t, b.Pruner)
			assert.Nil(t, b.Syncer)
			acct, err := b.Store.GetAccount(context.Background(), "wallet-a")
			require.NoError(t, err)
			assert.Equal(t, int64(42), acct.Balance)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t, "cassandra"), zerolog.Nop(), Options{})
	require.Error(t, err)
}

func TestRedisWithJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.BackendRedis)
	ctx := context.Background()

	b := &Backend{log: zerolog.Nop()}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, b.attachRedis(ctx, rdb, cfg, zerolog.Nop(), Options{PeriodicSync: true}))
	defer b.Close()

	require.NotNil(t, b.Syncer)
	require.NotNil(t, b.Journal)
	assert.Nil(t, b.Pruner)

	_, err := b.Store.TryDebit(ctx, "wallet-a", 2, "chat:r1")
	require.NoError(t, err)
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Journal.Flush(flushCtx))

	report, err := b.Syncer.VerifyIntegrity(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sampled)
	assert.Zero(t, report.Discrepancies())

	// A flushed Redis is restored from the journal, not re-granted.
	mr.FlushAll()
	restored, err := b.Syncer.InitializeRedis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	acct, err := b.Store.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Balance)
	assert.Equal(t, int64(2), acct.Consumed)
}

func TestRedisWithoutJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.BackendRedis)
	cfg.JournalDriver = config.JournalNone

	b := &Backend{log: zerolog.Nop()}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, b.attachRedis(context.Background(), rdb, cfg, zerolog.Nop(), Options{}))
	defer b.Close()

	assert.Nil(t, b.Syncer)
	assert.Nil(t, b.Journal)
	acct, err := b.Store.GetAccount(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), acct.Balance)
}
