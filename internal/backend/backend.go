// Package backend opens the ledger store selected by configuration together
// with whatever keeps it durable.
//
// The redis backend is the only composite one: with a journal driver set,
// every applied mutation is written behind to a SQL store by the journal
// writer, and Redis is warmed from the SQL snapshots before first use so a
// flushed instance never grants the initial credits twice.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tollgate/internal/config"
	"github.com/kelpejol/tollgate/internal/journal"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/ledger/memory"
	"github.com/kelpejol/tollgate/internal/ledger/redisstore"
	"github.com/kelpejol/tollgate/internal/ledger/sqlstore"
	tsync "github.com/kelpejol/tollgate/internal/sync"
	"github.com/rs/zerolog"
)

// Options tunes Open for the caller.
type Options struct {
	// PeriodicSync re-runs the Redis warm-up every SyncInterval. Servers
	// want this; one-shot tools do not.
	PeriodicSync bool
}

// Backend is an opened ledger.
type Backend struct {
	Store ledger.Store

	// Pruner is nil when the store expires events on its own.
	Pruner ledger.Pruner

	// Syncer and Journal are set for redis with a journal driver.
	Syncer  *tsync.Syncer
	Journal *journal.Writer

	closers []func() error
	log     zerolog.Logger
}

// Close releases resources in reverse order of acquisition.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.log.Error().Err(err).Msg("backend close failed")
		}
	}
	b.closers = nil
}

// Open builds the store named by cfg.LedgerBackend.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Backend, error) {
	b := &Backend{log: logger.With().Str("component", "backend").Logger()}

	switch cfg.LedgerBackend {
	case config.BackendMemory:
		s := memory.New(memory.WithInitialBalance(cfg.InitialCredits), memory.WithLogger(logger))
		b.Store, b.Pruner = s, s
		b.closers = append(b.closers, s.Close)

	case config.BackendRedis:
		if err := b.openRedis(ctx, cfg, logger, opts); err != nil {
			b.Close()
			return nil, err
		}

	case config.BackendPostgres, config.BackendPgx, config.BackendSQLite:
		s, err := OpenSQL(ctx, cfg, cfg.LedgerBackend, logger)
		if err != nil {
			return nil, fmt.Errorf("open sql ledger: %w", err)
		}
		b.Store, b.Pruner = s, s
		b.closers = append(b.closers, s.Close)

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	b.log.Info().Str("backend", cfg.LedgerBackend).Msg("ledger initialized")
	return b, nil
}

// OpenSQL opens a migrated SQL store for driver.
func OpenSQL(ctx context.Context, cfg *config.Config, driver string, logger zerolog.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:         driver,
		DSN:            cfg.SQLDSN(driver),
		InitialBalance: cfg.InitialCredits,
		AutoMigrate:    true,
		Logger:         logger,
	})
}

// NewRedisClient creates a client with the server's pool settings.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})
}

func (b *Backend) openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) error {
	rdb := NewRedisClient(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}
	b.log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	return b.attachRedis(ctx, rdb, cfg, logger, opts)
}

// attachRedis takes ownership of rdb.
func (b *Backend) attachRedis(ctx context.Context, rdb redis.UniversalClient, cfg *config.Config, logger zerolog.Logger, opts Options) error {
	rcfg := redisstore.Config{
		InitialBalance: cfg.InitialCredits,
		Retention:      cfg.EventRetention,
		Logger:         logger,
	}

	if cfg.JournalDriver == config.JournalNone {
		b.log.Warn().Msg("journal disabled, redis is the only copy of the ledger")
		s := redisstore.New(rdb, rcfg)
		b.Store = s
		b.closers = append(b.closers, s.Close)
		return nil
	}

	sqlJournal, err := OpenSQL(ctx, cfg, cfg.JournalDriver, logger)
	if err != nil {
		_ = rdb.Close()
		return fmt.Errorf("open journal: %w", err)
	}
	b.closers = append(b.closers, sqlJournal.Close)

	b.Journal = journal.NewWriter(sqlJournal, journal.Config{Logger: logger})
	rcfg.Journal = b.Journal
	s := redisstore.New(rdb, rcfg)
	b.Store = s
	// The writer drains before either connection closes.
	b.closers = append(b.closers, s.Close, b.Journal.Close)

	b.Syncer = tsync.NewSyncer(rdb, sqlJournal, logger)
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if _, err := b.Syncer.InitializeRedis(initCtx); err != nil {
		return fmt.Errorf("initialize redis from journal: %w", err)
	}
	if opts.PeriodicSync {
		b.Syncer.StartPeriodicSync(cfg.SyncInterval)
		b.closers = append(b.closers, func() error {
			b.Syncer.Stop()
			return nil
		})
	}
	return nil
}
