package main

import (
	"context"
	"testing"
	"time"

	"github.com/kelpejol/tollgate/internal/config"
	"github.com/kelpejol/tollgate/internal/ledger/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestBuildProvider(t *testing.T) {
	cfg := config.Defaults()

	cfg.Provider = "openai"
	prov, err := buildProvider(&cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, prov, "no key means chat is disabled")

	cfg.ProviderAPIKey = "fw-test"
	prov, err = buildProvider(&cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "openai", prov.Name())

	cfg.Provider = "loopback"
	prov, err = buildProvider(&cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "loopback", prov.Name())
}

func TestWatchHealth(t *testing.T) {
	hs := health.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchHealth(ctx, hs, memory.New(), time.Millisecond, zerolog.Nop())
	}()

	require.Eventually(t, func() bool {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ledgerService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
