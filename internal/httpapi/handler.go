// Package httpapi exposes the ledger, the metered chat proxy and the payment
// webhook over HTTP.
//
// Endpoints:
//
//	GET  /                    - Service info
//	GET  /api/balance         - Balance for ?wallet_address=
//	GET  /api/events          - Recent ledger events for ?wallet_address=
//	POST /api/chat            - Metered chat completion (SSE or JSON)
//	POST /api/stripe-webhook  - Payment webhook
//	GET  /health              - Liveness
//	GET  /ready               - Readiness (ledger backend reachable)
//	GET  /metrics             - Prometheus metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/metering"
	"github.com/kelpejol/tollgate/internal/settlement"
	"github.com/rs/zerolog"
)

// Info describes the running service for GET /.
type Info struct {
	Service            string
	Version            string
	Provider           string
	ProviderConfigured bool
	DefaultModel       string
}

// Handler provides the HTTP API.
type Handler struct {
	store      ledger.Store
	meter      *metering.Meter
	settlement *settlement.Handler
	metrics    http.Handler
	info       Info
	log        zerolog.Logger
	now        func() time.Time
}

// NewHandler creates a new HTTP API handler. metricsHandler may be nil, and
// so may meter when no provider is configured.
func NewHandler(store ledger.Store, meter *metering.Meter, settle *settlement.Handler, metricsHandler http.Handler, info Info, logger zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		meter:      meter,
		settlement: settle,
		metrics:    metricsHandler,
		info:       info,
		log:        logger.With().Str("component", "http_handler").Logger(),
		now:        time.Now,
	}
}

// Routes returns the router with all endpoints and middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleInfo)
	r.Route("/api", func(api chi.Router) {
		api.Get("/balance", h.handleBalance)
		api.Get("/events", h.handleEvents)
		api.Post("/chat", h.handleChat)
		api.Post("/stripe-webhook", h.handleWebhook)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// handleInfo handles GET /
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "online",
		"service":             h.info.Service,
		"version":             h.info.Version,
		"provider":            h.info.Provider,
		"provider_configured": h.info.ProviderConfigured,
		"stripe_configured":   h.settlement != nil && h.settlement.Configured(),
		"timestamp":           h.now().UTC().Format(time.RFC3339),
	})
}

// handleBalance handles GET /api/balance?wallet_address=
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)
	if identity == "" {
		h.writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}

	acct, err := h.store.GetAccount(r.Context(), identity)
	if err != nil {
		h.handleLedgerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

// handleEvents handles GET /api/events?wallet_address=&limit=
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(ledger.EventLister)
	if !ok {
		h.writeError(w, http.StatusNotImplemented, "ledger backend does not list events")
		return
	}
	identity := identityParam(r)
	if identity == "" {
		h.writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := lister.ListEvents(r.Context(), identity, limit)
	if err != nil {
		h.handleLedgerError(w, err)
		return
	}
	if events == nil {
		events = []ledger.EventRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_address": identity,
		"events":         events,
	})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(ledger.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			h.writeError(w, http.StatusServiceUnavailable, "ledger backend unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func identityParam(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("wallet_address"); v != "" {
		return v
	}
	return q.Get("identity")
}

// handleLedgerError maps ledger errors to HTTP status codes.
func (h *Handler) handleLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient balance. Please purchase more credits.")
	default:
		h.log.Error().Err(err).Msg("ledger error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": h.now().Unix(),
	})
}
