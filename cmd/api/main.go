// Package main is the entry point for the tollgate API server.
//
// The server meters chat completions against a prepaid credit ledger and
// settles payment webhooks into it. It runs:
//
// - An HTTP server for the public API, health checks and metrics
// - A gRPC server exposing the standard health service
// - A background sweeper that forgets expired idempotency records
//
// Configuration is via environment variables (12-factor app pattern), with
// an optional YAML file underneath them.
//
// Lifecycle:
// 1. Load configuration
// 2. Open the ledger backend (and its journal, for redis)
// 3. Start HTTP and gRPC servers
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Clean up resources
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelpejol/tollgate/internal/backend"
	"github.com/kelpejol/tollgate/internal/config"
	"github.com/kelpejol/tollgate/internal/httpapi"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/metering"
	"github.com/kelpejol/tollgate/internal/metrics"
	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/kelpejol/tollgate/internal/provider/loopback"
	"github.com/kelpejol/tollgate/internal/provider/openai"
	"github.com/kelpejol/tollgate/internal/settlement"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	sweepInterval       = 10 * time.Minute
	healthProbeInterval = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("version", version).
		Str("http_port", cfg.HTTPPort).
		Str("grpc_port", cfg.GRPCPort).
		Str("ledger_backend", cfg.LedgerBackend).
		Msg("starting tollgate api server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	b, err := backend.Open(ctx, cfg, logger, backend.Options{PeriodicSync: true})
	if err != nil {
		return err
	}
	defer b.Close()

	prov, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}
	var meter *metering.Meter
	if prov != nil {
		meter = metering.New(b.Store, prov, metering.Config{
			CostPerMessage: cfg.CostPerMessage,
			IdleTimeout:    cfg.StreamIdleTimeout,
			Logger:         logger,
			Metrics:        m,
		})
	}

	settle := settlement.New(b.Store, settlement.Config{
		WebhookSecret:  cfg.StripeWebhookSecret,
		CreditsPerUnit: cfg.CreditsPerUnit,
		Logger:         logger,
		Metrics:        m,
	})
	if !settle.Configured() {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, payment webhooks are disabled")
	}

	info := httpapi.Info{
		Service:            "tollgate",
		Version:            version,
		Provider:           cfg.Provider,
		ProviderConfigured: prov != nil,
		DefaultModel:       cfg.DefaultModel,
	}
	handler := httpapi.NewHandler(b.Store, meter, settle, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), info, logger)

	// No WriteTimeout: chat responses stream for as long as the provider does.
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := createGRPCServer(logger)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.IsDevelopment() {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		watchHealth(gctx, healthServer, b.Store, healthProbeInterval, logger)
		return nil
	})

	if b.Pruner != nil {
		g.Go(func() error {
			ledger.Sweep(gctx, b.Pruner, cfg.EventRetention, sweepInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		grpcServer.GracefulStop()
		logger.Info().Msg("grpc server stopped")

		// Shutdown waits for in-flight streams; each one settles its
		// reservation before its handler returns.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		logger.Info().Msg("http server stopped")
		return nil
	})

	return g.Wait()
}

// buildProvider returns nil without error when the selected provider has no
// credentials; chat then answers 503.
func buildProvider(cfg *config.Config, logger zerolog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case "loopback":
		logger.Warn().Msg("using loopback provider, responses echo the prompt")
		return loopback.New(20 * time.Millisecond), nil
	case "openai":
		if cfg.ProviderAPIKey == "" {
			logger.Warn().Msg("FIREWORKS_API_KEY not set, chat is disabled")
			return nil, nil
		}
		return openai.New(openai.Config{
			APIKey:       cfg.ProviderAPIKey,
			BaseURL:      cfg.ProviderBaseURL,
			DefaultModel: cfg.DefaultModel,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "tollgate-api").
		Str("environment", environment).
		Logger()
}
