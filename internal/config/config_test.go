package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOLLGATE_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, int64(1000), cfg.InitialCredits)
	assert.Equal(t, int64(1), cfg.CostPerMessage)
	assert.Equal(t, 72*time.Hour, cfg.EventRetention)
	assert.Equal(t, "1000", cfg.CreditsPerUnit.String())
	assert.Equal(t, BackendPostgres, cfg.JournalDriver)
	assert.Equal(t, cfg.PostgresURL, cfg.SQLDSN(BackendPgx))
	assert.Equal(t, cfg.SQLitePath, cfg.SQLDSN(BackendSQLite))
	assert.True(t, cfg.IsDevelopment())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
ledger_backend: sqlite
initial_credits: 50
event_retention: 24h
credits_per_unit: "1500"
http_port: "9000"
`), 0o600))

	t.Setenv("TOLLGATE_CONFIG", path)
	t.Setenv("HTTP_PORT", "8081")
	t.Setenv("STREAM_IDLE_TIMEOUT", "15s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, BackendSQLite, cfg.LedgerBackend)
	assert.Equal(t, int64(50), cfg.InitialCredits)
	assert.Equal(t, 24*time.Hour, cfg.EventRetention)
	assert.Equal(t, "1500", cfg.CreditsPerUnit.String())
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.StreamIdleTimeout)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LEDGER_BACKEND", "cassandra"},
		{"PROVIDER", "carrier-pigeon"},
		{"JOURNAL_DRIVER", "kafka"},
		{"COST_PER_MESSAGE", "0"},
		{"INITIAL_CREDITS", "lots"},
		{"EVENT_RETENTION", "forever"},
		{"CREDITS_PER_UNIT", "-3"},
		{"EVENT_RETENTION", "0s"},
		{"EVENT_RETENTION", "500ms"},
		{"EVENT_RETENTION", "-1h"},
		{"SYNC_INTERVAL", "-1m"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("TOLLGATE_CONFIG", "")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("TOLLGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDurationBounds(t *testing.T) {
	t.Setenv("TOLLGATE_CONFIG", "")
	t.Setenv("EVENT_RETENTION", MinEventRetention.String())
	t.Setenv("SYNC_INTERVAL", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MinEventRetention, cfg.EventRetention)
	assert.Zero(t, cfg.SyncInterval)
}
