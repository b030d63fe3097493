package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/kelpejol/tollgate/internal/settlement"
)

// Stripe payloads are small; anything larger is not a webhook.
const maxWebhookBodyBytes = 64 << 10

// handleWebhook handles POST /api/stripe-webhook
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil || !h.settlement.Configured() {
		h.writeError(w, http.StatusServiceUnavailable, "Stripe webhook not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	ack, err := h.settlement.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, ack)
	case errors.Is(err, settlement.ErrAuthenticationFailed):
		h.writeError(w, http.StatusBadRequest, "Invalid signature")
	case errors.Is(err, settlement.ErrMalformedPayload):
		h.writeError(w, http.StatusBadRequest, "Invalid payload")
	case errors.Is(err, settlement.ErrNotConfigured):
		h.writeError(w, http.StatusServiceUnavailable, "Stripe webhook not configured")
	default:
		// Not acknowledged: the provider redelivers and the ledger absorbs
		// any duplicate.
		h.log.Error().Err(err).Msg("webhook processing failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
