package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsd/internal/eventbus"
	"github.com/kandev/agentsd/internal/logx"
)

func testManagerLogger(t *testing.T) *logx.Logger {
	log, err := logx.New(logx.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// publishExecutorEvent must be a no-op, not a panic, when no bus is
// installed — Spawn calls it unconditionally from its failure branches.
func TestPublishExecutorEventNilBus(t *testing.T) {
	m := NewManager(testManagerLogger(t), nil)
	m.publishExecutorEvent("claude", "spawn_failed")
}

// Once SetBus installs a bus, publishExecutorEvent must reach a subscriber
// on the "executors.>" wildcard the daemon subscribes with.
func TestPublishExecutorEventReachesSubscriber(t *testing.T) {
	log := testManagerLogger(t)
	bus := eventbus.NewMemory(log)
	defer bus.Close()

	received := make(chan *eventbus.Event, 1)
	_, err := bus.Subscribe("executors.>", func(_ context.Context, event *eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	m := NewManager(log, nil)
	m.SetBus(bus)
	m.publishExecutorEvent("claude", "exited")

	select {
	case event := <-received:
		require.Equal(t, "exited", event.Type)
		require.Equal(t, "claude", event.Data["kind"])
	case <-time.After(time.Second):
		t.Fatal("executor event not received")
	}
}

// SetTap must install the tap on the Manager itself, since Spawn only reads
// m.tap at spawn time via conn.SetTap(m.tap) — a tap set after Spawn has
// already run never reaches that connection.
func TestSetTapInstallsOnManager(t *testing.T) {
	m := NewManager(testManagerLogger(t), nil)
	require.Nil(t, m.tap)
	m.SetTap(func(string, TapDirection, string) {})
	require.NotNil(t, m.tap)
}
