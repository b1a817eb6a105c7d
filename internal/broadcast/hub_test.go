package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsd/internal/logx"
)

func setupHub(t *testing.T) (*Hub, context.CancelFunc) {
	log, err := logx.New(logx.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	h := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func newTestClient(id string) *Client {
	return &Client{ID: id, sessionIDs: make(map[string]bool), send: make(chan []byte, 16)}
}

func TestHubDeliversOnlyToSubscribedSession(t *testing.T) {
	h, cancel := setupHub(t)
	defer cancel()

	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	h.Register(c1)
	h.Register(c2)
	time.Sleep(10 * time.Millisecond)

	h.SubscribeSession(c1, "s1")
	h.Send(Event{Type: "turn_start", SessionID: "s1"})

	select {
	case data := <-c1.Send():
		assert.Contains(t, string(data), "turn_start")
	case <-time.After(time.Second):
		t.Fatal("subscribed client did not receive event")
	}

	select {
	case <-c2.Send():
		t.Fatal("unsubscribed client should not receive session event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubAppWideDelivery(t *testing.T) {
	h, cancel := setupHub(t)
	defer cancel()

	c1 := newTestClient("c1")
	h.Register(c1)
	time.Sleep(10 * time.Millisecond)
	h.SubscribeAppWide(c1)

	h.Send(Event{Type: "sessions"})

	select {
	case data := <-c1.Send():
		assert.Contains(t, string(data), "sessions")
	case <-time.After(time.Second):
		t.Fatal("app-wide client did not receive event")
	}
}

func TestHubProtocolTapMirrorsLines(t *testing.T) {
	h, cancel := setupHub(t)
	defer cancel()

	c1 := newTestClient("c1")
	h.Register(c1)
	time.Sleep(10 * time.Millisecond)
	h.SubscribeProtocolTap(c1)

	h.Protocol("primary", "outbound", `{"method":"prompt"}`)

	select {
	case data := <-c1.Send():
		assert.Contains(t, string(data), "prompt")
	case <-time.After(time.Second):
		t.Fatal("protocol tap client did not receive mirrored line")
	}
}

func TestHubUnregisterRemovesSessionSubscription(t *testing.T) {
	h, cancel := setupHub(t)
	defer cancel()

	c1 := newTestClient("c1")
	h.Register(c1)
	time.Sleep(10 * time.Millisecond)
	h.SubscribeSession(c1, "s1")
	require.Equal(t, 1, h.SessionSubscriberCount("s1"))

	h.Unregister(c1)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, h.SessionSubscriberCount("s1"))
	assert.Equal(t, 0, h.ClientCount())
}
