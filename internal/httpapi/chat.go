package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/metering"
	"github.com/kelpejol/tollgate/internal/provider"
)

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
	maxChatBodyBytes   = 1 << 20
)

type chatRequest struct {
	Messages      []provider.Message `json:"messages"`
	Model         string             `json:"model"`
	Stream        *bool              `json:"stream"`
	MaxTokens     *int               `json:"max_tokens"`
	Temperature   *float64           `json:"temperature"`
	WalletAddress string             `json:"wallet_address"`
	Identity      string             `json:"identity"`
}

func (req *chatRequest) normalize() error {
	if len(req.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	if req.WalletAddress == "" {
		req.WalletAddress = req.Identity
	}
	if req.WalletAddress == "" {
		return errors.New("wallet_address is required")
	}
	if req.Stream == nil {
		stream := true
		req.Stream = &stream
	}
	if req.MaxTokens == nil {
		n := defaultMaxTokens
		req.MaxTokens = &n
	}
	if *req.MaxTokens < 1 || *req.MaxTokens > 8192 {
		return errors.New("max_tokens must be between 1 and 8192")
	}
	if req.Temperature == nil {
		t := defaultTemperature
		req.Temperature = &t
	}
	if *req.Temperature < 0 || *req.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	return nil
}

// handleChat handles POST /api/chat
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.meter == nil || !h.info.ProviderConfigured {
		h.writeError(w, http.StatusServiceUnavailable, "AI provider not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := req.normalize(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	creq := metering.ChatRequest{
		Identity:    req.WalletAddress,
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   *req.MaxTokens,
		Temperature: req.Temperature,
	}
	if *req.Stream {
		h.streamChat(w, r, creq)
		return
	}

	c, err := h.meter.Complete(r.Context(), creq)
	if err != nil {
		h.handleChatError(w, err)
		return
	}
	model := c.Model
	if model == "" {
		model = req.Model
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":    c.Content,
		"model":      model,
		"usage":      c.Usage,
		"request_id": c.RequestID,
		"balance":    c.Balance,
	})
}

// streamChat writes fragments as server-sent events:
//
//	data: {"content": "..."}
//	data: [DONE]
//
// A failure after the stream has started is reported in-band as
// data: {"error": "..."} since the status line is already sent.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, creq metering.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session, err := h.meter.Open(r.Context(), creq)
	if err != nil {
		h.handleChatError(w, err)
		return
	}
	defer session.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Request-Id", session.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		frag, err := session.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				return // client went away
			}
			h.log.Warn().Err(err).
				Str("request_id", session.ID()).
				Str("state", session.State().String()).
				Msg("stream terminated early")
			h.writeEvent(w, map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}
		if err := h.writeEvent(w, map[string]string{"content": frag.Content}); err != nil {
			session.Return(frag)
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) writeEvent(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleChatError maps errors raised before any output to status codes.
func (h *Handler) handleChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient balance. Please purchase more credits.")
	case errors.Is(err, metering.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, metering.ErrUpstreamProvider):
		h.log.Warn().Err(err).Msg("provider failed before streaming")
		h.writeError(w, http.StatusBadGateway, "upstream provider error")
	default:
		h.log.Error().Err(err).Msg("chat error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
