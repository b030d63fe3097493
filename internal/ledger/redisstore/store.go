// Package redisstore implements ledger.Store on Redis.
//
// Redis is the hot path: every balance check during a chat request runs here.
// All mutations execute as Lua scripts, which Redis runs atomically, so the
// event-id check, the balance check and the mutation can never interleave
// with another request for the same identity.
//
// Key layout (the identity is a hash tag so one account's keys share a slot):
//
//	account:{<identity>}                 hash: balance, consumed, last_updated (unix ms)
//	ledger:event:{<identity>}:<eventID>  hash: direction, amount, applied_at; TTL = retention
//	ledger:events:{<identity>}           zset: eventID scored by applied_at
//
// Durability is delegated to an optional journal Recorder which receives
// every applied mutation after the script commits.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tollgate/internal/journal"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
)

// Result codes returned by the apply script.
const (
	codeDuplicate    = "DUPLICATE_EVENT"
	codeInsufficient = "INSUFFICIENT_BALANCE"
)

// ensureAccount creates the account hash on first touch. Scripts run one at a
// time, so the grant is given exactly once.
const ensureAccount = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'consumed', '0', 'last_updated', ARGV[2])
end
`

var getAccountScript = redis.NewScript(ensureAccount + `
return {
    tonumber(redis.call('HGET', KEYS[1], 'balance')) or 0,
    tonumber(redis.call('HGET', KEYS[1], 'consumed')) or 0,
    tonumber(redis.call('HGET', KEYS[1], 'last_updated')) or 0
}
`)

// applyScript: KEYS = account, event, index.
// ARGV = initial, now_ms, amount, direction, event_id, retention_ms, cutoff_ms.
var applyScript = redis.NewScript(ensureAccount + `
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance')) or 0
local consumed = tonumber(redis.call('HGET', KEYS[1], 'consumed')) or 0
local updated = tonumber(redis.call('HGET', KEYS[1], 'last_updated')) or 0
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {0, balance, consumed, updated, 'DUPLICATE_EVENT'}
end
local amount = tonumber(ARGV[3])
if ARGV[4] == 'debit' then
    if balance < amount then
        return {0, balance, consumed, updated, 'INSUFFICIENT_BALANCE'}
    end
    balance = redis.call('HINCRBY', KEYS[1], 'balance', -amount)
    consumed = redis.call('HINCRBY', KEYS[1], 'consumed', amount)
else
    balance = redis.call('HINCRBY', KEYS[1], 'balance', amount)
end
redis.call('HSET', KEYS[1], 'last_updated', ARGV[2])
redis.call('HSET', KEYS[2], 'direction', ARGV[4], 'amount', ARGV[3], 'applied_at', ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[6])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
redis.call('PEXPIRE', KEYS[3], ARGV[6])
return {1, balance, consumed, tonumber(ARGV[2]), ''}
`)

// Recorder receives applied mutations for durable storage.
type Recorder interface {
	Record(entry journal.Entry)
}

// Config configures a Store.
type Config struct {
	InitialBalance int64
	Retention      time.Duration
	Journal        Recorder // optional
	Logger         zerolog.Logger
}

// Store implements ledger.Store on Redis.
type Store struct {
	rdb            redis.UniversalClient
	initialBalance int64
	retention      time.Duration
	journal        Recorder
	log            zerolog.Logger
	now            func() time.Time
}

// New wraps an existing Redis client. The client is owned by the caller
// unless Close is called.
func New(rdb redis.UniversalClient, cfg Config) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = ledger.DefaultRetention
	}
	return &Store{
		rdb:            rdb,
		initialBalance: cfg.InitialBalance,
		retention:      cfg.Retention,
		journal:        cfg.Journal,
		log:            cfg.Logger.With().Str("component", "redis_ledger").Logger(),
		now:            time.Now,
	}
}

// AccountKey returns the Redis key of an identity's account hash.
func AccountKey(identity string) string {
	return fmt.Sprintf("account:{%s}", identity)
}

func eventKey(identity, eventID string) string {
	return fmt.Sprintf("ledger:event:{%s}:%s", identity, eventID)
}

func indexKey(identity string) string {
	return fmt.Sprintf("ledger:events:{%s}", identity)
}

func (s *Store) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return ledger.Account{}, err
	}
	now := s.now().UnixMilli()
	res, err := getAccountScript.Run(ctx, s.rdb, []string{AccountKey(identity)}, s.initialBalance, now).Result()
	if err != nil {
		s.log.Error().Err(err).Str("wallet_address", identity).Msg("get_account lua script failed")
		return ledger.Account{}, ledger.StorageFault("get account", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ledger.Account{}, ledger.StorageFault("get account", fmt.Errorf("unexpected script reply %v", res))
	}
	return ledger.Account{
		Identity:    identity,
		Balance:     toInt64(vals[0]),
		Consumed:    toInt64(vals[1]),
		LastUpdated: time.UnixMilli(toInt64(vals[2])).UTC(),
	}, nil
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
	start := time.Now()
	now := s.now()

	keys := []string{
		AccountKey(identity),
		eventKey(identity, eventID),
		indexKey(identity),
	}
	args := []interface{}{
		s.initialBalance,
		now.UnixMilli(),
		amount,
		string(dir),
		eventID,
		retentionMillis(s.retention),
		now.Add(-s.retention).UnixMilli(),
	}

	res, err := applyScript.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		s.log.Error().Err(err).
			Str("wallet_address", identity).
			Str("event_id", eventID).
			Str("direction", string(dir)).
			Msg("apply lua script failed")
		return ledger.Result{}, ledger.StorageFault(string(dir), err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return ledger.Result{}, ledger.StorageFault(string(dir), fmt.Errorf("unexpected script reply %v", res))
	}
	applied := toInt64(vals[0]) == 1
	code, _ := vals[4].(string)
	acct := ledger.Account{
		Identity:    identity,
		Balance:     toInt64(vals[1]),
		Consumed:    toInt64(vals[2]),
		LastUpdated: time.UnixMilli(toInt64(vals[3])).UTC(),
	}

	s.log.Debug().
		Str("wallet_address", identity).
		Str("event_id", eventID).
		Str("direction", string(dir)).
		Int64("amount", amount).
		Bool("applied", applied).
		Str("code", code).
		Dur("duration_ms", time.Since(start)).
		Msg("ledger apply completed")

	if code == codeInsufficient {
		return ledger.Result{Account: acct}, ledger.ErrInsufficientBalance
	}
	if applied && s.journal != nil {
		s.journal.Record(journal.Entry{
			EventID:   eventID,
			Identity:  identity,
			Direction: dir,
			Amount:    amount,
			Balance:   acct.Balance,
			Consumed:  acct.Consumed,
			AppliedAt: acct.LastUpdated,
		})
	}
	return ledger.Result{Applied: applied, Account: acct}, nil
}

// ListEvents returns the newest events still inside the retention window.
func (s *Store) ListEvents(ctx context.Context, identity string, limit int) ([]ledger.EventRecord, error) {
	if err := ledger.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, indexKey(identity), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, ledger.StorageFault("list events", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Single round trip for all event hashes.
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, eventKey(identity, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, ledger.StorageFault("list events", err)
	}

	out := make([]ledger.EventRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // expired
		}
		amount, _ := strconv.ParseInt(fields["amount"], 10, 64)
		at, _ := strconv.ParseInt(fields["applied_at"], 10, 64)
		out = append(out, ledger.EventRecord{
			EventID:   ids[i],
			Identity:  identity,
			Direction: ledger.Direction(fields["direction"]),
			Amount:    amount,
			AppliedAt: time.UnixMilli(at).UTC(),
		})
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// retentionMillis rounds up so a sub-millisecond window never becomes
// PEXPIRE 0, which deletes the key.
func retentionMillis(d time.Duration) int64 {
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.EventLister = (*Store)(nil)
	_ ledger.Pinger      = (*Store)(nil)
)
