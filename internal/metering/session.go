package metering

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/rs/zerolog"
)

// State is the lifecycle position of a session.
type State int

const (
	StatePending State = iota
	StateReserved
	StateStreaming
	StateCommitted
	StateRefunded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReserved:
		return "reserved"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateRefunded:
		return "refunded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateCommitted
}

// Fragment is one piece of content delivered to the caller.
type Fragment struct {
	Index   int
	Content string
}

// Session is one metered stream. Recv must be called from a single goroutine;
// Close may be called from any goroutine.
//
// A fragment counts as delivered once Recv returns it. A caller that fails to
// pass a fragment on hands it back with Return before closing.
type Session struct {
	meter    *Meter
	id       string
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
	events   <-chan provider.Event
	log      zerolog.Logger
	started  time.Time

	mu           sync.Mutex
	state        State
	delivered    int
	balance      int64
	finishReason string
	err          error // terminal result returned by every later Recv
}

// ID is the request id; the ledger event ids derive from it.
func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delivered is the number of fragments handed to the caller.
func (s *Session) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Balance is the account balance after the last ledger write of this session.
func (s *Session) Balance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func (s *Session) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishReason
}

// Recv returns the next fragment in provider order, or io.EOF once the
// provider has finished. Any other error is terminal: the session is over and
// the refund rule has already been applied.
func (s *Session) Recv() (Fragment, error) {
	s.mu.Lock()
	if s.state.Terminal() {
		err := s.err
		s.mu.Unlock()
		return Fragment{}, err
	}
	s.mu.Unlock()

	idle := s.meter.cfg.IdleTimeout
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return Fragment{}, s.end()
			}
			if ev.Err != nil {
				return Fragment{}, s.fail(fmt.Errorf("%w: %w", ErrUpstreamProvider, ev.Err))
			}
			s.mu.Lock()
			if ev.FinishReason != "" {
				s.finishReason = ev.FinishReason
			}
			if s.state.Terminal() {
				err := s.err
				s.mu.Unlock()
				return Fragment{}, err
			}
			if ev.Content == "" {
				s.mu.Unlock()
				timer.Reset(idle)
				continue
			}
			frag := Fragment{Index: s.delivered, Content: ev.Content}
			s.delivered++
			s.mu.Unlock()
			s.meter.metrics.Fragment()
			return frag, nil

		case <-timer.C:
			return Fragment{}, s.fail(fmt.Errorf("%w: no activity for %s", ErrUpstreamProvider, idle))

		case <-s.ctx.Done():
			return Fragment{}, s.fail(s.ctx.Err())
		}
	}
}

// Return hands back the most recent fragment when the caller could not
// forward it. If that was the only fragment, Close then refunds the
// reservation. Returning any other fragment, or returning after the session
// ended, is a no-op.
func (s *Session) Return(frag Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || frag.Index != s.delivered-1 {
		return
	}
	s.delivered--
}

// Close ends the session on behalf of the caller. Before any fragment was
// delivered this refunds the reservation; afterwards the debit stands. Close
// after a terminal state is a no-op. The returned error reports only a failed
// refund write.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	return s.terminate(ErrSessionClosed)
}

// end handles the provider closing its channel.
func (s *Session) end() error {
	// A provider may close without an error when its context is cancelled.
	if err := s.ctx.Err(); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.err
	}
	s.state = StateCommitted
	s.err = io.EOF
	s.cancel()
	s.finished()
	return io.EOF
}

func (s *Session) fail(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.err
	}
	s.terminate(cause)
	return s.err
}

// terminate moves a live session to Refunded or Failed. Callers hold s.mu.
func (s *Session) terminate(cause error) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.err = cause
	if s.delivered > 0 {
		s.state = StateFailed
		s.finished()
		return nil
	}

	res, err := s.meter.refund(s.ctx, s.identity, s.id)
	if err != nil {
		s.state = StateFailed
		s.log.Error().Err(err).
			Str("event_id", RefundEventID(s.id)).
			Msg("refund failed, debit stands")
		s.finished()
		return err
	}
	s.state = StateRefunded
	s.balance = res.NewBalance()
	s.finished()
	return nil
}

func (s *Session) finished() {
	d := time.Since(s.started)
	s.meter.metrics.SessionFinished(s.state.String(), d)

	ev := s.log.Info()
	if s.state == StateFailed {
		ev = s.log.Warn()
	}
	if s.err != nil && s.err != io.EOF {
		ev = ev.AnErr("cause", s.err)
	}
	ev.Str("state", s.state.String()).
		Int("fragments", s.delivered).
		Int64("balance", s.balance).
		Dur("duration", d).
		Msg("session finished")
}
