package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewWSHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func receive(t *testing.T, sub *subscriber) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.out:
		require.True(t, ok, "subscriber closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestWSHubSubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub(t)

	sub, ok := hub.subscribe(nil)
	require.True(t, ok)
	assert.Equal(t, 1, hub.Len())

	hub.unsubscribe(sub)
	assert.Equal(t, 0, hub.Len())
	_, open := <-sub.out
	assert.False(t, open)

	// A second unsubscribe is a no-op.
	assert.NotPanics(t, func() { hub.unsubscribe(sub) })
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub(t)
	s1, _ := hub.subscribe(nil)
	s2, _ := hub.subscribe(nil)

	hub.Broadcast(registry.Event{Type: registry.EventPermitJoin, Data: true})

	for _, sub := range []*subscriber{s1, s2} {
		assert.JSONEq(t, `{"type": "permit_join", "data": true}`, string(receive(t, sub)))
	}
}

func TestWSHubEventFilter(t *testing.T) {
	hub := newTestHub(t)
	props, _ := hub.subscribe(parseEventFilter("property_update"))
	all, _ := hub.subscribe(nil)

	hub.Broadcast(registry.Event{Type: registry.EventPermitJoin, Data: true})
	hub.Broadcast(registry.Event{Type: registry.EventPropertyUpdate, Data: registry.PropertyUpdate{Device: "Desk Lamp", Property: "Status", Value: true}})

	assert.Contains(t, string(receive(t, all)), `"permit_join"`)
	assert.Contains(t, string(receive(t, all)), `"property_update"`)

	msg := receive(t, props)
	assert.Contains(t, string(msg), `"property_update"`)
	assert.Contains(t, string(msg), `"Desk Lamp"`)
	assert.Empty(t, props.out)
}

func TestParseEventFilter(t *testing.T) {
	assert.Nil(t, parseEventFilter(""))
	assert.Nil(t, parseEventFilter(" , "))
	assert.Equal(t, map[string]bool{"permit_join": true, "device_removed": true},
		parseEventFilter("permit_join, device_removed"))
}

func TestWSHubEvictsSlowSubscriber(t *testing.T) {
	hub := newTestHub(t)
	slow, _ := hub.subscribe(nil)
	fast, _ := hub.subscribe(nil)

	for i := 0; i <= wsSendBuffer; i++ {
		hub.Broadcast(registry.Event{Type: "tick", Data: i})
		// Keep the fast subscriber drained.
		receive(t, fast)
	}

	assert.Equal(t, 1, hub.Len())
	drained := 0
	for range slow.out {
		drained++
	}
	assert.Equal(t, wsSendBuffer, drained, "channel closed after the buffered messages")
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewWSHub(logger)
	// Run is not started, so nothing drains the queue.
	for i := 0; i < cap(hub.events); i++ {
		hub.Broadcast(registry.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(registry.Event{Type: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when the queue is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub(t)
	sub, _ := hub.subscribe(nil)

	hub.Stop()
	assert.NotPanics(t, hub.Stop)

	select {
	case _, ok := <-sub.out:
		assert.False(t, ok, "subscriber should be closed after stop")
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed")
	}

	_, ok := hub.subscribe(nil)
	assert.False(t, ok, "stopped hub accepts no subscribers")

	// Offering to a dropped subscriber must not panic.
	assert.NotPanics(t, func() { hub.offer(sub, []byte("x")) })
}

func dialWS(t *testing.T, srv *Server, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	require.Eventually(t, func() bool { return srv.wsHub.Len() == 1 }, time.Second, 5*time.Millisecond)
	return conn, ctx
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) wireEvent {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var event wireEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestWSStreamsFilteredEvents(t *testing.T) {
	srv, reg := setupTestServer(t)
	conn, ctx := dialWS(t, srv, "?events=permit_join")

	reg.SetPermitJoin(true)

	event := readEvent(t, ctx, conn)
	assert.Equal(t, registry.EventPermitJoin, event.Type)
	assert.JSONEq(t, `true`, string(event.Data))
}

func TestWSSendsSnapshotOnConnect(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")
	conn, ctx := dialWS(t, srv, "")

	event := readEvent(t, ctx, conn)
	require.Equal(t, registry.EventStatusUpdate, event.Type)

	var snap registry.DatabaseSnapshot
	require.NoError(t, json.Unmarshal(event.Data, &snap))
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "Desk Lamp", snap.Devices[0].Name)
}

func TestWSClientDisconnectUnsubscribes(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, _ := dialWS(t, srv, "?events=permit_join")

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return srv.wsHub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
