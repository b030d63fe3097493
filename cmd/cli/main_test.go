package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("TOLLGATE_CONFIG", "")
	t.Setenv("LEDGER_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("INITIAL_CREDITS", "100")
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.Bytes(), err
}

func TestBalanceGetAndCredit(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "balance", "get", "--wallet-address", "wallet-a")
	require.NoError(t, err)
	var acct ledger.Account
	require.NoError(t, json.Unmarshal(out, &acct))
	assert.Equal(t, int64(100), acct.Balance)

	for i, want := range []string{"credited", "duplicate"} {
		out, err = execute(t, "balance", "credit",
			"--wallet-address", "wallet-a",
			"--amount", "25",
			"--idempotency-key", "grant-1")
		require.NoError(t, err, "run %d", i)

		var res struct {
			Status  string `json:"status"`
			Balance int64  `json:"balance"`
		}
		require.NoError(t, json.Unmarshal(out, &res))
		assert.Equal(t, want, res.Status)
		assert.Equal(t, int64(125), res.Balance)
	}

	out, err = execute(t, "events", "list", "--wallet-address", "wallet-a")
	require.NoError(t, err)
	var events []ledger.EventRecord
	require.NoError(t, json.Unmarshal(out, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "grant-1", events[0].EventID)
	assert.Equal(t, ledger.DirectionCredit, events[0].Direction)
}

func TestCreditRequiresIdempotencyKey(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "balance", "credit", "--wallet-address", "wallet-a", "--amount", "25")
	require.Error(t, err)
}

func TestPruneEvents(t *testing.T) {
	useSQLite(t)

	_, err := execute(t, "balance", "credit", "--wallet-address", "wallet-a", "--amount", "1", "--idempotency-key", "k1")
	require.NoError(t, err)

	out, err := execute(t, "admin", "prune-events", "--older-than", "1h")
	require.NoError(t, err)
	var res struct {
		Pruned int64 `json:"pruned"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Zero(t, res.Pruned)
}

func TestSyncRequiresRedis(t *testing.T) {
	useSQLite(t)

	_, err := execute(t, "admin", "sync-all")
	assert.ErrorIs(t, err, errNoSyncer)

	_, err = execute(t, "admin", "verify-integrity")
	assert.ErrorIs(t, err, errNoSyncer)
}
