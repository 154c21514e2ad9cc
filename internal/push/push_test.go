package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/protocol"
	"github.com/antoniostano/threadvoice/internal/push/pushtest"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("push_test_%d", time.Now().UnixNano()))
}

func startHubServer(t *testing.T, hub *Hub, handlers Handlers) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), conn, "test", handlers)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHubGreetsAndBroadcasts(t *testing.T) {
	hub := NewHub(nil, testMetrics())
	url := startHubServer(t, hub, Handlers{
		OnConnect: func(c *Client) {
			c.Send(protocol.KindStatus, protocol.MessageEvent{Message: "Connected to server"})
		},
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	greeting := readEnvelope(t, conn)
	assert.Equal(t, "status", greeting["type"])
	assert.Equal(t, "Connected to server", greeting["data"].(map[string]any)["message"])
	assert.NotZero(t, greeting["ts_ms"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(protocol.KindNewComment, protocol.CommentEvent{ID: "c1", Author: "a", Body: "hello there"})

	ev := readEnvelope(t, conn)
	assert.Equal(t, "new_comment", ev["type"])
	assert.Equal(t, "c1", ev["data"].(map[string]any)["id"])
}

func TestHubAnswersPing(t *testing.T) {
	hub := NewHub(nil, nil)
	url := startHubServer(t, hub, Handlers{
		OnMessage: func(c *Client, msg protocol.ClientMessage) {
			if msg.Type == "ping" {
				c.Send(protocol.KindStatus, protocol.MessageEvent{Message: "pong"})
			}
		},
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	ev := readEnvelope(t, conn)
	assert.Equal(t, "status", ev["type"])
	assert.Equal(t, "pong", ev["data"].(map[string]any)["message"])
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(nil, nil)
	url := startHubServer(t, hub, Handlers{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	m := testMetrics()
	hub := NewHub(nil, m)
	// A registered client with no writer draining its queue.
	c := &Client{hub: hub, send: make(chan frame, 1), id: "stuck"}
	hub.register(c)

	hub.Publish(protocol.KindStatus, protocol.MessageEvent{Message: "one"})
	hub.Publish(protocol.KindStatus, protocol.MessageEvent{Message: "two"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundMessages.WithLabelValues("status", "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundMessages.WithLabelValues("status", "dropped")))

	hub.unregister(c)
	assert.False(t, c.Send(protocol.KindStatus, protocol.MessageEvent{Message: "late"}))
}

func TestHubPublishWithoutClients(t *testing.T) {
	m := testMetrics()
	hub := NewHub(nil, m)
	hub.Publish(protocol.KindDebug, protocol.MessageEvent{Message: "nobody"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundMessages.WithLabelValues("debug", "no_clients")))
}

func TestHubServeStopsOnContextCancel(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(ctx, conn, "ctx", Handlers{})
		close(done)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
}

func TestHubCloseEndsClients(t *testing.T) {
	hub := NewHub(nil, nil)
	url := startHubServer(t, hub, Handlers{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "read error = %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestFanout(t *testing.T) {
	a, b := pushtest.NewRecorder(), pushtest.NewRecorder()
	f := Fanout{a, nil, Discard{}, b}
	f.Publish(protocol.KindNewComment, protocol.CommentEvent{ID: "c1"})
	f.Publish(protocol.KindPlayAudio, protocol.AudioEvent{CommentID: "c1"})

	want := []protocol.EventKind{protocol.KindNewComment, protocol.KindPlayAudio}
	assert.Equal(t, want, a.Kinds())
	assert.Equal(t, want, b.Kinds())
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start within 5 seconds")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestNATSMirrorPublishesEnvelope(t *testing.T) {
	ns := runNATSServer(t)

	mirror, err := ConnectNATSMirror(ns.ClientURL(), nil)
	require.NoError(t, err)
	defer mirror.Close()
	assert.True(t, mirror.Healthy())

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("threadvoice.events.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	mirror.Publish(protocol.KindPlayAudio, protocol.AudioEvent{CommentID: "c1", Audio: "YWJj", Text: "hi"})

	select {
	case msg := <-msgs:
		assert.Equal(t, "threadvoice.events.play_audio", msg.Subject)
		var env struct {
			Type string             `json:"type"`
			Data protocol.AudioEvent `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.Equal(t, "play_audio", env.Type)
		assert.Equal(t, "c1", env.Data.CommentID)
	case <-time.After(5 * time.Second):
		t.Fatal("no mirrored message received")
	}
}

func TestNATSMirrorNilSafe(t *testing.T) {
	var m *NATSMirror
	m.Publish(protocol.KindStatus, nil)
	m.Close()
	assert.False(t, m.Healthy())
}

func TestConnectNATSMirrorFails(t *testing.T) {
	_, err := ConnectNATSMirror("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
}
