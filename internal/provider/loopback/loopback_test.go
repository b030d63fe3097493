package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/kelpejol/tollgate/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEchoesLastUserMessage(t *testing.T) {
	p := New(0)
	ch, err := p.Stream(context.Background(), provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello metered world"},
		},
	})
	require.NoError(t, err)

	var text, finish string
	for ev := range ch {
		require.NoError(t, ev.Err)
		text += ev.Content
		if ev.FinishReason != "" {
			finish = ev.FinishReason
		}
	}
	assert.Equal(t, "hello metered world", text)
	assert.Equal(t, "stop", finish)
}

func TestStreamStopsOnCancel(t *testing.T) {
	p := New(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, provider.Request{Messages: []provider.Message{{Role: "user", Content: "a b c"}}})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestCompleteReportsUsage(t *testing.T) {
	resp, err := New(0).Complete(context.Background(), provider.Request{
		MaxTokens: 2,
		Messages:  []provider.Message{{Role: "user", Content: "one two three"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "one two", resp.Content)
	assert.Equal(t, "loopback", resp.Model)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestEmptyMessages(t *testing.T) {
	_, err := New(0).Stream(context.Background(), provider.Request{})
	require.ErrorIs(t, err, provider.ErrNoMessages)
}
