// Package journal provides an asynchronous, durable audit trail for ledger
// mutations.
//
// The Redis ledger answers balance checks in well under a millisecond; writing
// every mutation to PostgreSQL on the request path would multiply that by ten.
// Instead, applied mutations are queued here and written by background workers
// with retries. The queue is bounded: when it is full the entry is dropped and
// a warning is logged rather than blocking a chat request.
package journal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("journal: closed")

// Entry is one applied ledger mutation together with the account state it
// produced.
type Entry struct {
	EventID   string
	Identity  string
	Direction ledger.Direction
	Amount    int64
	Balance   int64
	Consumed  int64
	AppliedAt time.Time
}

// Sink persists entries. Implementations must be idempotent on EventID since
// an entry may be retried after a write whose acknowledgement was lost.
type Sink interface {
	WriteEntry(ctx context.Context, e Entry) error
}

// Config configures a Writer.
type Config struct {
	Workers      int           // default 4
	QueueSize    int           // default 10000
	MaxRetries   int           // default 5
	Backoff      time.Duration // initial backoff, doubled per attempt; default 100ms
	WriteTimeout time.Duration // per attempt; default 5s
	Logger       zerolog.Logger
}

// Writer queues entries and writes them to a Sink in the background.
type Writer struct {
	sink  Sink
	cfg   Config
	queue chan Entry
	log   zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64

	// pending counts entries queued but not yet written; idle is closed
	// whenever it drops to zero.
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// NewWriter starts cfg.Workers background workers writing to sink.
func NewWriter(sink Sink, cfg Config) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := &Writer{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Entry, cfg.QueueSize),
		log:   cfg.Logger.With().Str("component", "journal").Logger(),
		idle:  make(chan struct{}),
	}
	close(w.idle)
	w.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go w.worker(i)
	}
	w.log.Info().
		Int("num_workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Msg("journal workers started")
	return w
}

// Record queues an entry without blocking.
func (w *Writer) Record(e Entry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.log.Warn().Str("event_id", e.EventID).Msg("journal closed, dropping entry")
		return
	}

	w.begin()
	select {
	case w.queue <- e:
	default:
		w.done()
		w.dropped.Add(1)
		w.log.Warn().Str("event_id", e.EventID).Msg("journal queue full, dropping entry")
	}
}

// Flush blocks until the queue is empty and no write is in progress. Entries
// recorded concurrently with Flush may extend the wait.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	w.pendingMu.Lock()
	idle := w.idle
	w.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) begin() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
}

func (w *Writer) done() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending--
	if w.pending == 0 {
		close(w.idle)
	}
}

// Stats reports entries dropped on a full queue and entries that failed
// after all retries.
func (w *Writer) Stats() (dropped, failed int64) {
	return w.dropped.Load(), w.failed.Load()
}

// Close stops accepting entries and waits for queued ones to be written.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Msg("journal shutdown complete")
	return nil
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()
	logger := w.log.With().Int("worker_id", id).Logger()

	for e := range w.queue {
		w.write(logger, e)
		w.done()
	}
}

func (w *Writer) write(logger zerolog.Logger, e Entry) {
	backoff := w.cfg.Backoff
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err := w.sink.WriteEntry(ctx, e)
		cancel()
		if err == nil {
			return
		}
		if attempt < w.cfg.MaxRetries {
			logger.Warn().Err(err).
				Int("attempt", attempt).
				Str("event_id", e.EventID).
				Msg("journal write failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		logger.Error().Err(err).
			Str("event_id", e.EventID).
			Str("wallet_address", e.Identity).
			Msg("journal write failed after all retries")
		w.failed.Add(1)
	}
}
