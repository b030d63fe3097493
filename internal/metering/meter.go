// Package metering charges for completions and streams them to the caller.
//
// A session reserves the per-message cost before any output exists:
//
//	Pending -> Reserved -> Streaming -> Committed | Refunded | Failed
//
// The reservation debit stands unless the session ends without delivering a
// single fragment, in which case a compensating credit is applied under an
// event id derived from the request id. Both ledger writes are idempotent, so
// a retried refund can never pay out twice.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/metrics"
	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/rs/zerolog"
)

var (
	// ErrUpstreamProvider wraps provider failures, including idle timeouts.
	ErrUpstreamProvider = errors.New("upstream provider error")
	// ErrInvalidRequest is returned before any charge for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionClosed is returned by Recv after Close.
	ErrSessionClosed = errors.New("session closed")
)

const (
	DefaultCostPerMessage = 1
	DefaultIdleTimeout    = 60 * time.Second
	DefaultRefundTimeout  = 5 * time.Second
)

// DebitEventID is the ledger event id of a request's reservation.
func DebitEventID(requestID string) string {
	return "chat:" + requestID
}

// RefundEventID is the ledger event id of a request's compensating credit.
func RefundEventID(requestID string) string {
	return "chat:" + requestID + ":refund"
}

// Config configures a Meter.
type Config struct {
	CostPerMessage int64
	IdleTimeout    time.Duration // no provider activity for this long fails the session
	RefundTimeout  time.Duration // bound on the detached refund write
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics // optional
}

// ChatRequest is a metered completion request.
type ChatRequest struct {
	Identity    string
	Model       string
	Messages    []provider.Message
	MaxTokens   int
	Temperature *float64
}

func (r ChatRequest) validate() error {
	if err := ledger.ValidateIdentity(r.Identity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	return nil
}

func (r ChatRequest) upstream() provider.Request {
	return provider.Request{
		Model:       r.Model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

// Completion is the result of a non-streaming request.
type Completion struct {
	RequestID string
	Content   string
	Model     string
	Usage     provider.Usage
	Balance   int64
}

// Meter opens metered sessions against one ledger and one provider.
type Meter struct {
	store    ledger.Store
	provider provider.Provider
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	newID    func() string
}

// New creates a Meter.
func New(store ledger.Store, prov provider.Provider, cfg Config) *Meter {
	if cfg.CostPerMessage <= 0 {
		cfg.CostPerMessage = DefaultCostPerMessage
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = DefaultRefundTimeout
	}
	return &Meter{
		store:    store,
		provider: prov,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "meter").Logger(),
		metrics:  cfg.Metrics,
		newID:    uuid.NewString,
	}
}

// Cost is the flat charge per message.
func (m *Meter) Cost() int64 {
	return m.cfg.CostPerMessage
}

// Open reserves the cost and opens the provider stream.
//
// ledger.ErrInsufficientBalance is returned before the provider is contacted.
// If the provider refuses the stream, the reservation is refunded and the
// returned error wraps ErrUpstreamProvider. The caller must Close the session.
func (m *Meter) Open(ctx context.Context, req ChatRequest) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		meter:    m,
		id:       m.newID(),
		identity: req.Identity,
		ctx:      ctx,
		state:    StatePending,
		started:  time.Now(),
	}
	s.log = m.log.With().
		Str("request_id", s.id).
		Str("wallet_address", req.Identity).
		Logger()

	res, err := m.reserve(ctx, s.identity, s.id)
	if err != nil {
		s.state = StateFailed
		m.metrics.SessionFinished(StateFailed.String(), time.Since(s.started))
		return nil, err
	}
	s.state = StateReserved
	s.balance = res.NewBalance()

	pctx, cancel := context.WithCancel(ctx)
	events, err := m.provider.Stream(pctx, req.upstream())
	if err != nil {
		cancel()
		s.mu.Lock()
		s.terminate(fmt.Errorf("%w: %w", ErrUpstreamProvider, err))
		s.mu.Unlock()
		return nil, s.err
	}
	s.cancel = cancel
	s.events = events
	s.state = StateStreaming
	s.log.Debug().Int64("balance", s.balance).Msg("session streaming")
	return s, nil
}

// Complete is the non-streaming form: reserve, fetch the whole response, and
// refund if the provider fails.
func (m *Meter) Complete(ctx context.Context, req ChatRequest) (Completion, error) {
	if err := req.validate(); err != nil {
		return Completion{}, err
	}
	id := m.newID()
	start := time.Now()
	log := m.log.With().Str("request_id", id).Str("wallet_address", req.Identity).Logger()

	res, err := m.reserve(ctx, req.Identity, id)
	if err != nil {
		m.metrics.SessionFinished(StateFailed.String(), time.Since(start))
		return Completion{}, err
	}

	resp, err := m.provider.Complete(ctx, req.upstream())
	if err != nil {
		state := StateRefunded
		if _, rerr := m.refund(ctx, req.Identity, id); rerr != nil {
			log.Error().Err(rerr).Str("event_id", RefundEventID(id)).Msg("refund failed, debit stands")
			state = StateFailed
		}
		m.metrics.SessionFinished(state.String(), time.Since(start))
		log.Warn().Err(err).Str("state", state.String()).Msg("completion failed")
		return Completion{}, fmt.Errorf("%w: %w", ErrUpstreamProvider, err)
	}

	m.metrics.SessionFinished(StateCommitted.String(), time.Since(start))
	log.Info().
		Str("state", StateCommitted.String()).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("completion committed")
	return Completion{
		RequestID: id,
		Content:   resp.Content,
		Model:     resp.Model,
		Usage:     resp.Usage,
		Balance:   res.NewBalance(),
	}, nil
}

func (m *Meter) reserve(ctx context.Context, identity, requestID string) (ledger.Result, error) {
	res, err := m.store.TryDebit(ctx, identity, m.cfg.CostPerMessage, DebitEventID(requestID))
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		m.metrics.LedgerOp("debit", "insufficient")
		m.log.Info().
			Str("request_id", requestID).
			Str("wallet_address", identity).
			Int64("balance", res.NewBalance()).
			Msg("insufficient balance")
	case err != nil:
		m.metrics.LedgerOp("debit", "error")
		m.log.Error().Err(err).Str("request_id", requestID).Msg("reservation failed")
	default:
		m.metrics.LedgerOp("debit", "applied")
	}
	return res, err
}

// refund writes the compensating credit on a context detached from the
// caller's cancellation, since cancellation is one of the reasons to refund.
func (m *Meter) refund(ctx context.Context, identity, requestID string) (ledger.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefundTimeout)
	defer cancel()

	res, err := m.store.Credit(ctx, identity, m.cfg.CostPerMessage, RefundEventID(requestID))
	if err != nil {
		m.metrics.LedgerOp("refund", "error")
		return res, err
	}
	m.metrics.LedgerOp("refund", "applied")
	return res, nil
}
