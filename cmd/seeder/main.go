// Command seeder applies the SQL schema and seeds accounts from a YAML file.
//
// The target database is the SQL ledger (LEDGER_BACKEND=postgres|pgx|sqlite)
// or, for LEDGER_BACKEND=redis, the journal database named by JOURNAL_DRIVER;
// the server warms Redis from the seeded snapshots on startup.
//
// Usage:
//
//	seeder [seed.yaml]
//
// Seed file format:
//
//	accounts:
//	  - wallet_address: "0xabc"
//	    balance: 5000
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelpejol/tollgate/internal/backend"
	"github.com/kelpejol/tollgate/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const defaultSeedFile = "seed.yaml"

// SeedFile is the on-disk seed format.
type SeedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// SeedAccount is one account to create.
type SeedAccount struct {
	Identity string `yaml:"wallet_address"`
	Balance  int64  `yaml:"balance"`
}

// Summary reports what a seed run did.
type Summary struct {
	Created int
	Skipped int
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	path := defaultSeedFile
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sum, err := run(ctx, cfg, path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
	logger.Info().
		Int("created", sum.Created).
		Int("skipped", sum.Skipped).
		Msg("seeding complete")
}

// targetDriver picks the SQL database the seed goes into.
func targetDriver(cfg *config.Config) (string, error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres, config.BackendPgx, config.BackendSQLite:
		return cfg.LedgerBackend, nil
	case config.BackendRedis:
		if cfg.JournalDriver == config.JournalNone {
			return "", fmt.Errorf("redis backend without a journal has no database to seed")
		}
		return cfg.JournalDriver, nil
	default:
		return "", fmt.Errorf("ledger backend %q has no database to seed", cfg.LedgerBackend)
	}
}

func loadSeedFile(path string) (SeedFile, error) {
	var f SeedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return f, nil
}

func run(ctx context.Context, cfg *config.Config, path string, logger zerolog.Logger) (Summary, error) {
	var sum Summary

	driver, err := targetDriver(cfg)
	if err != nil {
		return sum, err
	}
	seed, err := loadSeedFile(path)
	if err != nil {
		return sum, err
	}

	// Opening migrates the schema.
	store, err := backend.OpenSQL(ctx, cfg, driver, logger)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", driver, err)
	}
	defer store.Close()
	logger.Info().Str("driver", driver).Msg("schema applied")

	for _, a := range seed.Accounts {
		created, err := store.SeedAccount(ctx, a.Identity, a.Balance)
		if err != nil {
			return sum, fmt.Errorf("seed %q: %w", a.Identity, err)
		}
		if created {
			sum.Created++
			logger.Debug().Str("wallet_address", a.Identity).Int64("balance", a.Balance).Msg("account seeded")
		} else {
			sum.Skipped++
			logger.Debug().Str("wallet_address", a.Identity).Msg("account exists, skipped")
		}
	}
	return sum, nil
}
