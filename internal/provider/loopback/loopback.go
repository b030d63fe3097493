// Package loopback is a deterministic provider that echoes the last user
// message back word by word. It needs no credentials and is used for local
// development and end-to-end tests.
package loopback

import (
	"context"
	"strings"
	"time"

	"github.com/kelpejol/tollgate/internal/provider"
)

// Provider implements provider.Provider.
type Provider struct {
	// Delay is slept before each fragment.
	Delay time.Duration
	Model string
}

// New returns a loopback provider.
func New(delay time.Duration) *Provider {
	return &Provider{Delay: delay, Model: "loopback"}
}

func (p *Provider) Name() string { return "loopback" }

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	if len(req.Messages) == 0 {
		return nil, provider.ErrNoMessages
	}
	words := fragments(req)

	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, w := range words {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !provider.Send(ctx, ch, provider.Event{Content: w}) {
				return
			}
		}
		provider.Send(ctx, ch, provider.Event{FinishReason: "stop"})
	}()
	return ch, nil
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	if len(req.Messages) == 0 {
		return provider.Response{}, provider.ErrNoMessages
	}
	if err := ctx.Err(); err != nil {
		return provider.Response{}, err
	}
	words := fragments(req)
	content := strings.Join(words, "")

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
	}
	return provider.Response{
		Content: content,
		Model:   p.model(req),
		Usage: provider.Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(words),
			TotalTokens:      prompt + len(words),
		},
	}, nil
}

func (p *Provider) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.Model
}

// fragments splits the echoed text into words, keeping the separating space
// on every word after the first so the fragments concatenate losslessly.
func fragments(req provider.Request) []string {
	text := req.Messages[len(req.Messages)-1].Content
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}
	words := strings.Fields(text)
	if req.MaxTokens > 0 && len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}
	for i := 1; i < len(words); i++ {
		words[i] = " " + words[i]
	}
	return words
}

var _ provider.Provider = (*Provider)(nil)
