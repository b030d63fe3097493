package main

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ledgerService is the health service name reported for the ledger backend.
const ledgerService = "tollgate.ledger"

// createGRPCServer creates a gRPC server with middleware and interceptors.
func createGRPCServer(logger zerolog.Logger) *grpc.Server {
	// Recovery interceptor to prevent panics from crashing the server
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	loggingInterceptor := func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}

	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor,
		)),
		grpc.StreamInterceptor(grpc_recovery.StreamServerInterceptor(recoveryOpts...)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
	)
}

// watchHealth keeps the gRPC health status in step with the ledger backend
// until ctx is done. Stores without a probe are always serving.
func watchHealth(ctx context.Context, hs *health.Server, store ledger.Store, interval time.Duration, logger zerolog.Logger) {
	set := func(s healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", s)
		hs.SetServingStatus(ledgerService, s)
	}

	pinger, ok := store.(ledger.Pinger)
	if !ok {
		set(healthpb.HealthCheckResponse_SERVING)
		<-ctx.Done()
		return
	}

	last := healthpb.HealthCheckResponse_UNKNOWN
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		next := healthpb.HealthCheckResponse_SERVING
		if err := pinger.Ping(pctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			next = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn().Err(err).Msg("ledger backend probe failed")
		}
		if next != last {
			logger.Info().Str("status", next.String()).Msg("health status changed")
			last = next
		}
		set(next)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
