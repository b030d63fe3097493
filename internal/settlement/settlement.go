// Package settlement applies verified payment webhooks to the ledger.
//
// The payment provider delivers events at least once. Each event id becomes
// the ledger event id of the credit, so redelivery is absorbed by the ledger's
// idempotency registry. Nothing is recorded before the signature verifies:
// a forged or corrupted delivery cannot burn the event id of a real one.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrAuthenticationFailed means the signature did not verify.
	ErrAuthenticationFailed = errors.New("webhook signature verification failed")
	// ErrMalformedPayload means the signed payload is unusable.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrNotConfigured means no signing secret is set.
	ErrNotConfigured = errors.New("webhook not configured")
)

// Recognized event types.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Ack statuses.
const (
	StatusSuccess   = "success"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// DefaultCreditsPerUnit is 1000 credits per major currency unit ($1).
var DefaultCreditsPerUnit = decimal.NewFromInt(1000)

// Ack is the acknowledgement returned to the payment provider.
type Ack struct {
	Status   string `json:"status"`
	EventID  string `json:"event_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Identity string `json:"wallet_address,omitempty"`
	Credited int64  `json:"credited,omitempty"`
	Balance  int64  `json:"balance,omitempty"`
}

// Config configures a Handler.
type Config struct {
	WebhookSecret  string
	CreditsPerUnit decimal.Decimal // credits per major currency unit; default 1000
	Currency       string          // accepted currency; default usd
	Tolerance      time.Duration   // signature timestamp tolerance; default 5m
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Handler verifies payment webhooks and credits the ledger.
type Handler struct {
	store   ledger.Store
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Handler.
func New(store ledger.Store, cfg Config) *Handler {
	if cfg.CreditsPerUnit.IsZero() {
		cfg.CreditsPerUnit = DefaultCreditsPerUnit
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Handler{
		store:   store,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "settlement").Logger(),
		metrics: cfg.Metrics,
	}
}

// Configured reports whether a signing secret is set.
func (h *Handler) Configured() bool {
	return h.cfg.WebhookSecret != ""
}

// Credits converts an amount in minor currency units to credits, rounding
// down so a fractional credit is never granted.
func (h *Handler) Credits(amountMinor int64) int64 {
	return decimal.New(amountMinor, -2).Mul(h.cfg.CreditsPerUnit).Floor().IntPart()
}

// HandleEvent verifies and applies one webhook delivery.
//
// Errors: ErrNotConfigured, ErrAuthenticationFailed and ErrMalformedPayload
// must not be acknowledged; a ledger.ErrStorageFault should be answered with
// a server error so the provider retries.
func (h *Handler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (Ack, error) {
	if !h.Configured() {
		return Ack{}, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, h.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                h.cfg.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		if isSignatureError(err) {
			h.metrics.Webhook("rejected")
			h.log.Warn().Err(err).Msg("invalid webhook signature")
			return Ack{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		h.metrics.Webhook("malformed")
		h.log.Warn().Err(err).Msg("invalid webhook payload")
		return Ack{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	log := h.log.With().Str("event_id", event.ID).Str("type", string(event.Type)).Logger()
	if event.ID == "" {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}

	switch string(event.Type) {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded:
	default:
		h.metrics.Webhook("ignored")
		log.Debug().Msg("ignoring webhook event type")
		return Ack{Status: StatusIgnored, EventID: event.ID, Type: string(event.Type)}, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: missing data object", ErrMalformedPayload)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: checkout session: %w", ErrMalformedPayload, err)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods settle later via async_payment_succeeded.
		h.metrics.Webhook("ignored")
		log.Info().Str("payment_status", string(session.PaymentStatus)).Msg("checkout not paid yet")
		return Ack{Status: StatusIgnored, EventID: event.ID, Type: string(event.Type)}, nil
	}

	identity := session.Metadata["wallet_address"]
	if identity == "" {
		identity = session.Metadata["identity"]
	}
	if identity == "" {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: checkout session has no wallet_address metadata", ErrMalformedPayload)
	}
	if !strings.EqualFold(string(session.Currency), h.cfg.Currency) {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: unsupported currency %q", ErrMalformedPayload, session.Currency)
	}
	credits := h.Credits(session.AmountTotal)
	if credits <= 0 {
		h.metrics.Webhook("malformed")
		return Ack{}, fmt.Errorf("%w: amount %d yields no credits", ErrMalformedPayload, session.AmountTotal)
	}
	if declared := session.Metadata["ajt_amount"]; declared != "" && declared != fmt.Sprint(credits) {
		log.Warn().
			Str("declared", declared).
			Int64("credits", credits).
			Msg("checkout metadata disagrees with amount paid, crediting amount paid")
	}

	res, err := h.store.Credit(ctx, identity, credits, event.ID)
	if err != nil {
		h.metrics.Webhook("error")
		log.Error().Err(err).Str("wallet_address", identity).Msg("webhook credit failed")
		return Ack{}, err
	}

	ack := Ack{
		Status:   StatusSuccess,
		EventID:  event.ID,
		Type:     string(event.Type),
		Identity: identity,
		Credited: credits,
		Balance:  res.NewBalance(),
	}
	if !res.Applied {
		ack.Status = StatusDuplicate
		ack.Credited = 0
		h.metrics.Webhook("duplicate")
		log.Info().Str("wallet_address", identity).Msg("duplicate webhook delivery absorbed")
		return ack, nil
	}

	h.metrics.Webhook("credited")
	log.Info().
		Str("wallet_address", identity).
		Int64("credited", credits).
		Int64("balance", res.NewBalance()).
		Msg("webhook credit applied")
	return ack, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}
