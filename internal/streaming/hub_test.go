package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
)

const hubSession = "agent:default:telegram:a1:dm:1"

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func addClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	client := NewClient(id, nil, hub, newTestLogger(t))
	hub.Register(client)
	return client
}

func recvFrame(t *testing.T, client *Client) *bus.Event {
	t.Helper()
	select {
	case data, ok := <-client.send:
		require.True(t, ok, "send channel closed")
		var evt bus.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		return &evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func deltaEvent(sessionKey, runID string, seq int64, text string) *bus.Event {
	return bus.NewEvent(events.RunDelta, "test", events.Payload(events.DeltaPayload{
		RunID: runID, SessionKey: sessionKey, Seq: seq, Text: text,
	}))
}

func TestHubRoutesBySession(t *testing.T) {
	hub := startHub(t)
	c1 := addClient(t, hub, "c1")
	c2 := addClient(t, hub, "c2")
	c1.Subscribe(hubSession)
	c2.Subscribe("agent:default:telegram:a1:dm:2")

	hub.Broadcast(hubSession, deltaEvent(hubSession, "run-1", 1, "hello"))

	frame := recvFrame(t, c1)
	assert.Equal(t, events.RunDelta, frame.Type)
	assert.Equal(t, hubSession, frame.Data["session_key"])
	assert.Empty(t, c2.send)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)
	client := addClient(t, hub, "c1")
	client.Subscribe(hubSession)
	require.Eventually(t, func() bool {
		return hub.SessionSubscriberCount(hubSession) == 1
	}, time.Second, 10*time.Millisecond)

	client.Unsubscribe(hubSession)
	assert.Zero(t, hub.SessionSubscriberCount(hubSession))
	assert.False(t, client.IsSubscribed(hubSession))

	hub.Broadcast(hubSession, deltaEvent(hubSession, "run-1", 1, "dropped"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, client.send)
}

func TestHubEvictsSlowClient(t *testing.T) {
	hub := startHub(t)
	client := addClient(t, hub, "slow")
	client.Subscribe(hubSession)
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Nothing drains the send buffer; one delivery against a full
	// buffer must evict the client.
	for i := 0; i < cap(client.send); i++ {
		client.send <- []byte(fmt.Sprintf(`{"seq":%d}`, i))
	}
	hub.Broadcast(hubSession, deltaEvent(hubSession, "run-1", 1, "overflow"))

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0 && hub.SessionSubscriberCount(hubSession) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubBindBusForwardsSessionEvents(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)

	hub := startHub(t)
	require.NoError(t, hub.BindBus(eventBus))

	client := addClient(t, hub, "c1")
	client.Subscribe(hubSession)

	evt := deltaEvent(hubSession, "run-9", 1, "from the bus")
	require.NoError(t, eventBus.Publish(context.Background(), events.SessionTopic(hubSession), evt))

	frame := recvFrame(t, client)
	assert.Equal(t, events.RunDelta, frame.Type)
	assert.Equal(t, "run-9", frame.Data["run_id"])

	// Sessions nobody follows are not subscribed on the bus at all.
	other := "agent:default:telegram:a1:dm:2"
	require.NoError(t, eventBus.Publish(context.Background(),
		events.SessionTopic(other), deltaEvent(other, "run-10", 1, "elsewhere")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, client.send)

	// The last client out drops the session's bus subscription.
	client.Unsubscribe(hubSession)
	require.NoError(t, eventBus.Publish(context.Background(),
		events.SessionTopic(hubSession), deltaEvent(hubSession, "run-11", 1, "after unsubscribe")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, client.send)
}

func TestHubBindBusFollowsEarlierSubscriptions(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)

	hub := startHub(t)
	client := addClient(t, hub, "c1")
	client.Subscribe(hubSession)

	// Binding after the fact picks up sessions clients already follow.
	require.NoError(t, hub.BindBus(eventBus))

	evt := deltaEvent(hubSession, "run-12", 1, "late bind")
	require.NoError(t, eventBus.Publish(context.Background(), events.SessionTopic(hubSession), evt))

	frame := recvFrame(t, client)
	assert.Equal(t, "run-12", frame.Data["run_id"])
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := addClient(t, hub, "c1")
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	select {
	case _, ok := <-client.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("send channel not closed on shutdown")
	}
	assert.Zero(t, hub.ClientCount())
}
