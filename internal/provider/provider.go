// Package provider defines the upstream completion source the meter streams
// from. Implementations live in subpackages.
package provider

import (
	"context"
	"errors"
)

// ErrNoMessages is returned when a request carries no messages.
var ErrNoMessages = errors.New("provider: no messages provided")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete, non-streamed completion.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Event is one item of a completion stream. A non-nil Err is terminal; the
// channel is closed after it. A closed channel without an error is the normal
// end of the stream.
type Event struct {
	Content      string
	FinishReason string
	Err          error
}

// Provider is an upstream completion source.
//
// Stream returns an error, without opening a channel, when the request is
// rejected up front (connection failure, non-2xx status). Cancelling ctx must
// release the upstream connection and close the channel promptly.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	Complete(ctx context.Context, req Request) (Response, error)
}

// Send delivers ev unless ctx is cancelled first. Implementations use it so a
// stream goroutine never blocks on a consumer that has gone away.
func Send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
