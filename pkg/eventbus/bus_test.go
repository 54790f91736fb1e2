package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_MemoryRoundTrip(t *testing.T) {
	bus, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TurnEvent{Type: TypeTurnCompleted, UserMessageID: "u1", AssistantMessageID: "a1", Partials: 3}))
	require.NoError(t, bus.Publish(ctx, TurnEvent{Type: TypeTurnFailed, UserMessageID: "u2", Error: "boom"}))

	var got []TurnEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for turn events")
		}
	}
	byType := map[string]TurnEvent{}
	for _, ev := range got {
		byType[ev.Type] = ev
	}
	require.Equal(t, "a1", byType[TypeTurnCompleted].AssistantMessageID)
	require.Equal(t, 3, byType[TypeTurnCompleted].Partials)
	require.False(t, byType[TypeTurnCompleted].At.IsZero())
	require.Equal(t, "boom", byType[TypeTurnFailed].Error)
}

func TestBus_RunLoggerStopsOnCancel(t *testing.T) {
	bus, err := New(Config{Backend: BackendMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.RunLogger(ctx) }()

	// The gochannel subscription may not exist yet; publishing is harmless either way.
	require.NoError(t, bus.Publish(ctx, TurnEvent{Type: TypeTurnCompleted, UserMessageID: "u"}))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunLogger did not stop")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "kafka"})
	require.Error(t, err)

	_, err = New(Config{Backend: BackendRedis})
	require.Error(t, err)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	require.NoError(t, bus.Publish(context.Background(), TurnEvent{Type: TypeTurnCompleted}))
	require.NoError(t, bus.Close())
}
