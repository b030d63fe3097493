// Package openai talks to OpenAI-compatible chat completion APIs such as
// Fireworks.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.fireworks.ai/inference/v1"
	DefaultModel   = "accounts/fireworks/models/llama-v4-maverick"
)

// Config holds configuration for the client.
type Config struct {
	APIKey         string
	BaseURL        string        // defaults to DefaultBaseURL
	DefaultModel   string        // used when a request names no model
	RequestTimeout time.Duration // non-streaming requests and stream headers; default 60s
	HTTPClient     *http.Client  // optional
	Logger         zerolog.Logger
}

// Client implements provider.Provider.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	timeout      time.Duration
	httpClient   *http.Client
	log          zerolog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	// No client-wide Timeout: it would cut long streams. Streams are bounded
	// by the header timeout here and by the caller's idle timeout afterwards.
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.RequestTimeout,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.RequestTimeout,
		httpClient:   httpClient,
		log:          cfg.Logger.With().Str("component", "openai_provider").Logger(),
	}, nil
}

func (c *Client) Name() string { return "openai" }

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage provider.Usage `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return provider.Response{}, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Response{}, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return provider.Response{}, errors.New("openai: response has no choices")
	}
	return provider.Response{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Usage:   out.Usage,
	}, nil
}

// Stream sends a streaming request and emits content deltas in order.
func (c *Client) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue // blank separators, comments, event: lines
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				provider.Send(ctx, ch, provider.Event{Err: fmt.Errorf("openai: parse stream: %w", err)})
				return
			}
			for _, choice := range chunk.Choices {
				ev := provider.Event{Content: choice.Delta.Content}
				if choice.FinishReason != nil {
					ev.FinishReason = *choice.FinishReason
				}
				if ev.Content == "" && ev.FinishReason == "" {
					continue
				}
				if !provider.Send(ctx, ch, ev) {
					return
				}
			}
		}

		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF // stream ended without [DONE]
		}
		if ctx.Err() != nil {
			return
		}
		provider.Send(ctx, ch, provider.Event{Err: fmt.Errorf("openai: read stream: %w", err)})
	}()
	return ch, nil
}

func (c *Client) do(ctx context.Context, req provider.Request, stream bool) (*http.Response, error) {
	if len(req.Messages) == 0 {
		return nil, provider.ErrNoMessages
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("model", model).
			Bool("stream", stream).
			Msg("provider rejected request")

		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai: http %d: %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai: http %d: %s", resp.StatusCode, string(data))
	}

	c.log.Debug().
		Str("model", model).
		Bool("stream", stream).
		Dur("latency", time.Since(start)).
		Msg("provider response headers received")
	return resp, nil
}

var _ provider.Provider = (*Client)(nil)
