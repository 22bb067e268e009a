package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/ai-workspace/internal/chat"
)

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "chat:session:01ABC:events", sessionChannel("01ABC"))
}

func TestPublish_Unreachable(t *testing.T) {
	s := New("127.0.0.1:1", "", 0, nil)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Publish(ctx, chat.Event{Type: chat.EventStarted, SessionID: "01TEST", MessageID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis publish")
}

// Needs a reachable redis, e.g. REDIS_ADDR=localhost:6379.
func TestPublishSubscribe(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := New(addr, os.Getenv("REDIS_PASSWORD"), 0, nil)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Ping(ctx))

	events, err := s.Subscribe(ctx, "01TEST")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, chat.Event{Type: chat.EventChunk, SessionID: "01TEST", MessageID: 7, Delta: "Hi"}))
	require.NoError(t, s.Publish(ctx, chat.Event{Type: chat.EventChunk, SessionID: "01OTHER", MessageID: 8, Delta: "no"}))

	select {
	case ev := <-events:
		assert.Equal(t, chat.EventChunk, ev.Type)
		assert.EqualValues(t, 7, ev.MessageID)
		assert.Equal(t, "Hi", ev.Delta)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range events {
	}
}
