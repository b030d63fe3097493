package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "test-key", BaseURL: url, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, ch <-chan provider.Event) ([]string, error) {
	t.Helper()
	var out []string
	for ev := range ch {
		if ev.Err != nil {
			return out, ev.Err
		}
		if ev.Content != "" {
			out = append(out, ev.Content)
		}
	}
	return out, nil
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStreamSuccess(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`,
			`: keep-alive`,
			`data: {"choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		} {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	defer srv.Close()

	ch, err := newClient(t, srv.URL).Stream(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	fragments, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, fragments)
	assert.True(t, got.Stream)
	assert.Equal(t, DefaultModel, got.Model)
}

func TestStreamRejectedBeforeOpening(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	ch, err := newClient(t, srv.URL).Stream(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Nil(t, ch)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestStreamEmptyMessages(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.Stream(context.Background(), provider.Request{})
	require.ErrorIs(t, err, provider.ErrNoMessages)
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"Hi"}}]}`)
		fmt.Fprintf(w, "data: {invalid json}\n\n")
	}))
	defer srv.Close()

	ch, err := newClient(t, srv.URL).Stream(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	fragments, err := collect(t, ch)
	require.Error(t, err)
	assert.Equal(t, []string{"Hi"}, fragments)
}

func TestStreamTruncatedWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer srv.Close()

	ch, err := newClient(t, srv.URL).Stream(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	fragments, err := collect(t, ch)
	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, fragments)
}

func TestStreamContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"Hello"}}]}`)
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newClient(t, srv.URL).Stream(ctx, provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "Hello", first.Content)
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, 256, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "Hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL).Complete(context.Background(), provider.Request{
		Model:     "test-model",
		MaxTokens: 256,
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}
