// Package sync warms the Redis ledger from the SQL journal snapshots.
//
// Redis is authoritative for live balances; the SQL journal trails it through
// the async journal writer. After a Redis flush or failover the account hashes
// are gone, and an identity touched in that state would be granted the initial
// credits a second time. The syncer closes that gap:
//
//  1. On startup, every journaled snapshot missing from Redis is restored.
//  2. Periodically, the same restore runs again to cover evictions.
//  3. On demand, a sample of accounts is compared and discrepancies reported.
//
// Each account is restored by one script that sets only missing fields, so a
// live Redis balance is never overwritten by an older snapshot and the ledger
// scripts never observe a half-restored hash.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tollgate/internal/ledger/redisstore"
	"github.com/kelpejol/tollgate/internal/ledger/sqlstore"
	"github.com/rs/zerolog"
)

// SnapshotSource lists the journaled account snapshots.
type SnapshotSource interface {
	ListSnapshots(ctx context.Context, fn func(sqlstore.Snapshot) error) error
	SampleSnapshots(ctx context.Context, n int) ([]sqlstore.Snapshot, error)
}

// Report summarizes an integrity check.
type Report struct {
	Sampled    int `json:"sampled"`
	Missing    int `json:"missing"`
	Mismatched int `json:"mismatched"`
}

// Discrepancies is the number of accounts that disagree.
func (r Report) Discrepancies() int {
	return r.Missing + r.Mismatched
}

// Syncer restores Redis account hashes from SQL snapshots.
type Syncer struct {
	redis    redis.UniversalClient
	source   SnapshotSource
	log      zerolog.Logger
	stopCh   chan struct{}
	stopOnce stdsync.Once
	wg       stdsync.WaitGroup
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(rdb redis.UniversalClient, source SnapshotSource, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		source: source,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

const batchSize = 1000

// restoreScript fills the fields of KEYS[1] that are missing and returns 1
// when the balance was restored.
// ARGV = balance, consumed, last_updated_ms.
var restoreScript = redis.NewScript(`
local restored = redis.call('HSETNX', KEYS[1], 'balance', ARGV[1])
redis.call('HSETNX', KEYS[1], 'consumed', ARGV[2])
redis.call('HSETNX', KEYS[1], 'last_updated', ARGV[3])
return restored
`)

// InitializeRedis restores every snapshot whose account is missing from Redis
// and returns how many accounts were restored.
//
// Call it before accepting requests when the Redis ledger is backed by a
// journal.
func (s *Syncer) InitializeRedis(ctx context.Context) (int, error) {
	start := time.Now()
	s.log.Info().Msg("starting redis warm-up from journal snapshots")

	pipe := s.redis.Pipeline()
	var pending []*redis.Cmd
	seen, restored := 0, 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec failed at count %d: %w", seen, err)
		}
		for _, cmd := range pending {
			if n, _ := cmd.Int64(); n == 1 {
				restored++
			}
		}
		pending = pending[:0]
		pipe = s.redis.Pipeline()
		return nil
	}

	err := s.source.ListSnapshots(ctx, func(snap sqlstore.Snapshot) error {
		pending = append(pending, restoreScript.Eval(ctx, pipe,
			[]string{redisstore.AccountKey(snap.Identity)},
			snap.Balance, snap.Consumed, snap.LastUpdated.UnixMilli()))
		seen++

		if seen%batchSize == 0 {
			return flush()
		}
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("failed to load snapshots: %w", err)
	}
	if err := flush(); err != nil {
		return restored, err
	}

	s.log.Info().
		Int("snapshot_count", seen).
		Int("restored_count", restored).
		Dur("duration", time.Since(start)).
		Msg("redis warm-up complete")
	return restored, nil
}

// StartPeriodicSync re-runs InitializeRedis every interval until Stop.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().
		Dur("interval", interval).
		Msg("starting periodic sync")

	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if n, err := s.InitializeRedis(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				} else if n > 0 {
					s.log.Warn().Int("restored_count", n).Msg("periodic sync restored missing accounts")
				}
				cancel()

			case <-s.stopCh:
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// VerifyIntegrity compares a random sample of snapshots with Redis.
//
// Redis may legitimately run ahead of a snapshot while the journal catches
// up, so mismatches are reported and logged, never corrected.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (Report, error) {
	snaps, err := s.source.SampleSnapshots(ctx, sampleSize)
	if err != nil {
		return Report{}, fmt.Errorf("query failed: %w", err)
	}

	var report Report
	for _, snap := range snaps {
		report.Sampled++
		redisBalance, err := s.redis.HGet(ctx, redisstore.AccountKey(snap.Identity), "balance").Int64()
		if err == redis.Nil {
			s.log.Warn().
				Str("wallet_address", snap.Identity).
				Msg("account missing in redis")
			report.Missing++
			continue
		} else if err != nil {
			return report, fmt.Errorf("redis hget failed: %w", err)
		}

		if redisBalance != snap.Balance {
			s.log.Warn().
				Str("wallet_address", snap.Identity).
				Int64("redis_balance", redisBalance).
				Int64("journal_balance", snap.Balance).
				Int64("difference", redisBalance-snap.Balance).
				Msg("balance mismatch detected")
			report.Mismatched++
		}
	}
	return report, nil
}

// Stop stops the periodic sync goroutine and waits for it to exit.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
