// Package sqlstore implements ledger.Store on a SQL database.
//
// Three drivers are supported:
//
//   - "postgres": github.com/lib/pq
//   - "pgx":      github.com/jackc/pgx/v5/stdlib
//   - "sqlite":   modernc.org/sqlite (single file, development and tests)
//
// Every mutation is one transaction:
//
//  1. INSERT the account with the initial grant, ON CONFLICT DO NOTHING
//  2. INSERT the event id into ledger_events, ON CONFLICT DO NOTHING;
//     zero rows affected means the event was already applied
//  3. conditional UPDATE of the balance (WHERE balance >= amount for debits);
//     zero rows affected means insufficient balance and the tx rolls back
//
// The event row and the balance change commit or roll back together, so a
// retried event can never be applied twice, and a rejected debit leaves no
// trace in the registry. The row lock taken by the UPDATE linearizes
// concurrent mutations of one identity without touching other identities.
//
// The store also implements journal.Sink so it can act as the durable audit
// trail behind the Redis ledger.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// register sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kelpejol/tollgate/internal/journal"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
)

// Config configures a Store.
type Config struct {
	Driver         string // postgres, pgx or sqlite
	DSN            string // connection string, or file path for sqlite
	InitialBalance int64
	AutoMigrate    bool
	Logger         zerolog.Logger
}

// Store implements ledger.Store and journal.Sink.
type Store struct {
	db             *sql.DB
	driver         string
	initialBalance int64
	log            zerolog.Logger
	now            func() time.Time
}

// Open connects to the database and optionally applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "postgres", "pgx":
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s connection failed: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite has a single writer; serialize on our side instead of
		// spinning on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", cfg.Driver, err)
	}

	s := &Store{
		db:             db,
		driver:         cfg.Driver,
		initialBalance: cfg.InitialBalance,
		log:            cfg.Logger.With().Str("component", "sql_ledger").Str("driver", cfg.Driver).Logger(),
		now:            time.Now,
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.log.Info().Msg("sql ledger connected")
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	identity TEXT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	consumed BIGINT NOT NULL DEFAULT 0,
	last_updated BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
	identity TEXT NOT NULL,
	event_id TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('debit','credit')),
	amount BIGINT NOT NULL,
	applied_at BIGINT NOT NULL,
	PRIMARY KEY (identity, event_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_applied ON ledger_events(applied_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_identity ON ledger_events(identity, applied_at DESC)`,
	`CREATE TABLE IF NOT EXISTS journal (
	identity TEXT NOT NULL,
	event_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	consumed_after BIGINT NOT NULL,
	applied_at BIGINT NOT NULL,
	PRIMARY KEY (identity, event_id)
)`,
	`CREATE TABLE IF NOT EXISTS account_snapshots (
	identity TEXT PRIMARY KEY,
	balance BIGINT NOT NULL,
	consumed BIGINT NOT NULL,
	last_updated BIGINT NOT NULL
)`,
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres drivers.
func (s *Store) rebind(query string) string {
	if s.driver == "sqlite" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return ledger.Account{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, ledger.StorageFault("begin tx", err)
	}
	defer tx.Rollback()

	if err := s.ensureAccount(ctx, tx, identity); err != nil {
		return ledger.Account{}, err
	}
	acct, err := s.readAccount(ctx, tx, identity)
	if err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, ledger.StorageFault("commit", err)
	}
	return acct, nil
}

func (s *Store) TryDebit(ctx context.Context, identity string, amount int64, eventID string) (ledger.Result, error) {
	return s.apply(ctx, identity, amount, eventID, ledger.DirectionDebit)
}

func (s *Store) Credit(ctx context.Context, identity string, amount int64, eventID string) (ledger.Result, error) {
	return s.apply(ctx, identity, amount, eventID, ledger.DirectionCredit)
}

func (s *Store) apply(ctx context.Context, identity string, amount int64, eventID string, dir ledger.Direction) (ledger.Result, error) {
	if err := ledger.ValidateMutation(identity, amount, eventID); err != nil {
		return ledger.Result{}, err
	}
	now := s.now().UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, ledger.StorageFault("begin tx", err)
	}
	defer tx.Rollback()

	if err := s.ensureAccount(ctx, tx, identity); err != nil {
		return ledger.Result{}, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO ledger_events(identity, event_id, direction, amount, applied_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT (identity, event_id) DO NOTHING`),
		identity, eventID, string(dir), amount, now)
	if err != nil {
		return ledger.Result{}, ledger.StorageFault("record event", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ledger.Result{}, ledger.StorageFault("record event", err)
	} else if n == 0 {
		acct, err := s.readAccount(ctx, tx, identity)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Applied: false, Account: acct}, nil
	}

	if dir == ledger.DirectionDebit {
		res, err = tx.ExecContext(ctx, s.rebind(`
UPDATE accounts SET balance = balance - ?, consumed = consumed + ?, last_updated = ?
WHERE identity = ? AND balance >= ?`),
			amount, amount, now, identity, amount)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`
UPDATE accounts SET balance = balance + ?, last_updated = ?
WHERE identity = ?`),
			amount, now, identity)
	}
	if err != nil {
		return ledger.Result{}, ledger.StorageFault(string(dir), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Result{}, ledger.StorageFault(string(dir), err)
	}
	if n == 0 {
		acct, err := s.readAccount(ctx, tx, identity)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Account: acct}, ledger.ErrInsufficientBalance
	}

	acct, err := s.readAccount(ctx, tx, identity)
	if err != nil {
		return ledger.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Result{}, ledger.StorageFault("commit", err)
	}

	s.log.Debug().
		Str("wallet_address", identity).
		Str("event_id", eventID).
		Str("direction", string(dir)).
		Int64("amount", amount).
		Int64("balance", acct.Balance).
		Msg("ledger apply committed")
	return ledger.Result{Applied: true, Account: acct}, nil
}

func (s *Store) ensureAccount(ctx context.Context, tx *sql.Tx, identity string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO accounts(identity, balance, consumed, last_updated)
VALUES(?, ?, 0, ?)
ON CONFLICT (identity) DO NOTHING`),
		identity, s.initialBalance, s.now().UTC().UnixMilli())
	if err != nil {
		return ledger.StorageFault("ensure account", err)
	}
	return nil
}

func (s *Store) readAccount(ctx context.Context, tx *sql.Tx, identity string) (ledger.Account, error) {
	var balance, consumed, updated int64
	err := tx.QueryRowContext(ctx, s.rebind(`
SELECT balance, consumed, last_updated FROM accounts WHERE identity = ?`), identity).
		Scan(&balance, &consumed, &updated)
	if err != nil {
		return ledger.Account{}, ledger.StorageFault("read account", err)
	}
	return ledger.Account{
		Identity:    identity,
		Balance:     balance,
		Consumed:    consumed,
		LastUpdated: time.UnixMilli(updated).UTC(),
	}, nil
}

// ListEvents returns the newest applied events for identity.
func (s *Store) ListEvents(ctx context.Context, identity string, limit int) ([]ledger.EventRecord, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT event_id, direction, amount, applied_at
FROM ledger_events
WHERE identity = ?
ORDER BY applied_at DESC, event_id DESC
LIMIT ?`), identity, limit)
	if err != nil {
		return nil, ledger.StorageFault("list events", err)
	}
	defer rows.Close()

	var out []ledger.EventRecord
	for rows.Next() {
		var rec ledger.EventRecord
		var dir string
		var at int64
		if err := rows.Scan(&rec.EventID, &dir, &rec.Amount, &at); err != nil {
			return nil, ledger.StorageFault("list events", err)
		}
		rec.Identity = identity
		rec.Direction = ledger.Direction(dir)
		rec.AppliedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.StorageFault("list events", err)
	}
	return out, nil
}

// PruneEvents deletes registry rows applied before the cutoff.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ledger_events WHERE applied_at < ?`), before.UTC().UnixMilli())
	if err != nil {
		return 0, ledger.StorageFault("prune events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledger.StorageFault("prune events", err)
	}
	return n, nil
}

// SeedAccount creates an account with an explicit balance if it does not
// exist, together with a matching snapshot so a Redis ledger warmed from this
// store starts from the same balance. It reports whether the account was new.
func (s *Store) SeedAccount(ctx context.Context, identity string, balance int64) (bool, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return false, err
	}
	if balance < 0 {
		return false, fmt.Errorf("%w: balance must not be negative", ledger.ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ledger.StorageFault("begin tx", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO accounts(identity, balance, consumed, last_updated)
VALUES(?, ?, 0, ?)
ON CONFLICT (identity) DO NOTHING`), identity, balance, now)
	if err != nil {
		return false, ledger.StorageFault("seed account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.StorageFault("seed account", err)
	}
	if n == 1 {
		_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO account_snapshots(identity, balance, consumed, last_updated)
VALUES(?, ?, 0, ?)
ON CONFLICT (identity) DO NOTHING`), identity, balance, now)
		if err != nil {
			return false, ledger.StorageFault("seed snapshot", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, ledger.StorageFault("commit", err)
	}
	return n == 1, nil
}

// WriteEntry implements journal.Sink. It appends the journal row and moves the
// account snapshot forward; an older entry never overwrites a newer snapshot.
func (s *Store) WriteEntry(ctx context.Context, e journal.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	at := e.AppliedAt.UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO journal(identity, event_id, direction, amount, balance_after, consumed_after, applied_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (identity, event_id) DO NOTHING`),
		e.Identity, e.EventID, string(e.Direction), e.Amount, e.Balance, e.Consumed, at)
	if err != nil {
		return fmt.Errorf("insert journal failed: %w", err)
	}

	// consumed never decreases, so it breaks ties between entries written in
	// the same millisecond.
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO account_snapshots(identity, balance, consumed, last_updated)
VALUES(?, ?, ?, ?)
ON CONFLICT (identity) DO UPDATE SET
	balance = excluded.balance,
	consumed = excluded.consumed,
	last_updated = excluded.last_updated
WHERE account_snapshots.last_updated < excluded.last_updated
   OR (account_snapshots.last_updated = excluded.last_updated AND account_snapshots.consumed <= excluded.consumed)`),
		e.Identity, e.Balance, e.Consumed, at)
	if err != nil {
		return fmt.Errorf("upsert snapshot failed: %w", err)
	}
	return tx.Commit()
}

// Snapshot is the last journaled state of an account.
type Snapshot struct {
	Identity    string
	Balance     int64
	Consumed    int64
	LastUpdated time.Time
}

// ListSnapshots calls fn for every journaled account snapshot.
func (s *Store) ListSnapshots(ctx context.Context, fn func(Snapshot) error) error {
	return s.scanSnapshots(ctx, fn, `
SELECT identity, balance, consumed, last_updated FROM account_snapshots ORDER BY identity`)
}

// SampleSnapshots returns up to n random snapshots.
func (s *Store) SampleSnapshots(ctx context.Context, n int) ([]Snapshot, error) {
	var out []Snapshot
	err := s.scanSnapshots(ctx, func(snap Snapshot) error {
		out = append(out, snap)
		return nil
	}, `
SELECT identity, balance, consumed, last_updated FROM account_snapshots ORDER BY RANDOM() LIMIT ?`, n)
	return out, err
}

// GetSnapshot returns the snapshot for one identity.
func (s *Store) GetSnapshot(ctx context.Context, identity string) (Snapshot, bool, error) {
	var snap Snapshot
	var at int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT identity, balance, consumed, last_updated FROM account_snapshots WHERE identity = ?`), identity).
		Scan(&snap.Identity, &snap.Balance, &snap.Consumed, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query snapshot failed: %w", err)
	}
	snap.LastUpdated = time.UnixMilli(at).UTC()
	return snap, true, nil
}

func (s *Store) scanSnapshots(ctx context.Context, fn func(Snapshot) error, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query snapshots failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap Snapshot
		var at int64
		if err := rows.Scan(&snap.Identity, &snap.Balance, &snap.Consumed, &at); err != nil {
			return fmt.Errorf("scan snapshot failed: %w", err)
		}
		snap.LastUpdated = time.UnixMilli(at).UTC()
		if err := fn(snap); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the connection pool for administrative tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.EventLister = (*Store)(nil)
	_ ledger.Pruner      = (*Store)(nil)
	_ ledger.Pinger      = (*Store)(nil)
	_ journal.Sink       = (*Store)(nil)
)
