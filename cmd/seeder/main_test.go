package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kelpejol/tollgate/internal/config"
	"github.com/kelpejol/tollgate/internal/ledger/sqlstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
accounts:
  - wallet_address: "0xabc"
    balance: 5000
  - wallet_address: "0xdef"
    balance: 0
`

func TestRunSeedsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	cfg := config.Defaults()
	cfg.LedgerBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	sum, err := run(ctx, &cfg, path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 2}, sum)

	sum, err = run(ctx, &cfg, path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 2}, sum)

	store, err := sqlstore.Open(ctx, sqlstore.Config{Driver: config.BackendSQLite, DSN: cfg.SQLitePath})
	require.NoError(t, err)
	defer store.Close()
	acct, err := store.GetAccount(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acct.Balance)
}

func TestTargetDriver(t *testing.T) {
	cfg := config.Defaults()

	cfg.LedgerBackend = config.BackendPgx
	d, err := targetDriver(&cfg)
	require.NoError(t, err)
	assert.Equal(t, config.BackendPgx, d)

	cfg.LedgerBackend = config.BackendRedis
	cfg.JournalDriver = config.BackendSQLite
	d, err = targetDriver(&cfg)
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQLite, d)

	cfg.JournalDriver = config.JournalNone
	_, err = targetDriver(&cfg)
	assert.Error(t, err)

	cfg.LedgerBackend = config.BackendMemory
	_, err = targetDriver(&cfg)
	assert.Error(t, err)
}

func TestRunRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: [ {"), 0o600))

	cfg := config.Defaults()
	cfg.LedgerBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(dir, "ledger.db")

	_, err := run(context.Background(), &cfg, path, zerolog.Nop())
	require.Error(t, err)
}
