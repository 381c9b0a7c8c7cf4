package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/evolink/pkg/duplex"
)

func newBackend(t *testing.T, handle func(ws *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func pongBackend(ws *websocket.Conn) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`))
	for {
		var env duplex.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		reply := duplex.Envelope{ID: env.ID, Payload: json.RawMessage(`{"type":"PONG"}`)}
		if err := ws.WriteJSON(reply); err != nil {
			return
		}
	}
}

func TestWebSocketRequestResponse(t *testing.T) {
	_, url := newBackend(t, pongBackend)
	sink := newEventSink()
	client := duplex.New(&WebSocket{URL: url, PingInterval: 50 * time.Millisecond})
	client.AddSubscriber(sink)
	t.Cleanup(func() { client.Close() })

	client.Connect()
	sink.expect(t, duplex.EventOpen)
	hello := sink.expect(t, duplex.EventMessage)
	assert.JSONEq(t, `{"type":"HELLO"}`, string(hello.Data))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.SendRequest(ctx, map[string]string{"type": "PING"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PONG"}`, string(resp))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, client.IsConnected(), "keepalive pings keep the connection open")
}

func TestWebSocketServerCloseFailsOutstanding(t *testing.T) {
	_, url := newBackend(t, func(ws *websocket.Conn) {
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"))
	})
	sink := newEventSink()
	client := duplex.New(&WebSocket{URL: url})
	client.AddSubscriber(sink)

	client.Connect()
	sink.expect(t, duplex.EventOpen)

	_, err := client.SendRequest(context.Background(), map[string]string{"type": "START_RUN"}, 5*time.Second)
	require.ErrorIs(t, err, duplex.ErrConnectionLost)
	sink.expect(t, duplex.EventClose)
	assert.Equal(t, duplex.StateClosed, client.State())
}

func TestWebSocketDialFailure(t *testing.T) {
	srv, url := newBackend(t, pongBackend)
	srv.Close()

	sink := newEventSink()
	client := duplex.New(&WebSocket{URL: url, HandshakeTimeout: time.Second})
	client.AddSubscriber(sink)

	client.Connect()
	failed := sink.expect(t, duplex.EventError)
	assert.Contains(t, failed.Err.Error(), "dial")
	sink.expect(t, duplex.EventClose)
	assert.Equal(t, duplex.StateClosed, client.State())
}

func TestWebSocketClientClose(t *testing.T) {
	closed := make(chan int, 1)
	_, url := newBackend(t, func(ws *websocket.Conn) {
		_, _, err := ws.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closed <- ce.Code
		}
	})
	sink := newEventSink()
	client := duplex.New(&WebSocket{URL: url})
	client.AddSubscriber(sink)

	client.Connect()
	sink.expect(t, duplex.EventOpen)
	require.NoError(t, client.Close())
	sink.expect(t, duplex.EventClose)

	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not observe the close handshake")
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("unexpected event after close: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
