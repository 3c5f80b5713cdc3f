package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/config"
	"companiond/internal/domain"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(config.PushConfig{BufferSize: 10})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestHub_Push_NoSessionIsANoop(t *testing.T) {
	t.Parallel()
	h := newRunningHub(t)
	assert.NoError(t, h.Push(context.Background(), "acme", "nobody", domain.Response{}))
	assert.False(t, h.IsOnline("acme", "nobody"))
}

func TestHub_RegisterThenPush_DeliversToSession(t *testing.T) {
	t.Parallel()
	h := newRunningHub(t)
	s := newSession(h, nil, "acme", "p1")
	h.register <- s
	require.Eventually(t, func() bool { return h.IsOnline("acme", "p1") }, time.Second, 5*time.Millisecond)

	resp := domain.Response{LatencyMS: 42}
	require.NoError(t, h.Push(context.Background(), "acme", "p1", resp))

	select {
	case msg := <-s.send:
		assert.Equal(t, int64(42), msg.Response.LatencyMS)
		assert.Equal(t, uint64(1), msg.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected a message on the session's send channel")
	}
}

func TestHub_RegisterTwiceForSamePlayer_ClosesPreviousSession(t *testing.T) {
	t.Parallel()
	h := newRunningHub(t)
	first := newSession(h, nil, "acme", "p1")
	h.register <- first
	require.Eventually(t, func() bool { return h.IsOnline("acme", "p1") }, time.Second, 5*time.Millisecond)

	second := newSession(h, nil, "acme", "p1")
	h.register <- second
	require.Eventually(t, func() bool {
		_, ok := <-first.send
		return !ok
	}, time.Second, 5*time.Millisecond, "the first session's send channel must be closed when a newer session for the same player registers")
}

func TestHub_Unregister_RemovesSession(t *testing.T) {
	t.Parallel()
	h := newRunningHub(t)
	s := newSession(h, nil, "acme", "p1")
	h.register <- s
	require.Eventually(t, func() bool { return h.IsOnline("acme", "p1") }, time.Second, 5*time.Millisecond)

	h.unregister <- s
	require.Eventually(t, func() bool { return !h.IsOnline("acme", "p1") }, time.Second, 5*time.Millisecond)
}
