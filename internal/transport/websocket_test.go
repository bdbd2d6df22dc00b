package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impuls42/ats-mini/internal/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs handler for every upgraded connection.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc"
}

func dialTest(t *testing.T, url string) *WebSocket {
	t.Helper()
	ws := NewWebSocket(WebSocketConfig{URL: url, Timeout: time.Second}, nil)
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketEcho(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	})
	ws := dialTest(t, url)
	assert.Equal(t, StateConnected, ws.State())

	frame := wire.EncodeFrame([]byte{0xa2, 0x62, 0x69, 0x64, 0x01})
	require.NoError(t, ws.WriteFrame(context.Background(), frame))
	got, err := ws.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestWebSocketTextMessageIsDecodeError(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`))
		conn.ReadMessage()
	})
	ws := dialTest(t, url)

	_, err := ws.ReadFrame(context.Background(), time.Second)
	assert.ErrorIs(t, err, wire.ErrDecode)
}

func TestWebSocketTimeoutThenLateMessage(t *testing.T) {
	frame := wire.EncodeFrame([]byte("late"))
	url := wsServer(t, func(conn *websocket.Conn) {
		time.Sleep(60 * time.Millisecond)
		conn.WriteMessage(websocket.BinaryMessage, frame)
		conn.ReadMessage()
	})
	ws := dialTest(t, url)

	_, err := ws.ReadFrame(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimeout)

	// A timed-out read does not poison the connection.
	got, err := ws.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestWebSocketPeerClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "rebooting"))
	})
	ws := dialTest(t, url)

	_, err := ws.ReadFrame(context.Background(), time.Second)
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.Equal(t, StateLost, ws.State())
	assert.Equal(t, "lost", ws.State().String())

	ws.Close()
	assert.Equal(t, StateClosed, ws.State())
}

func TestWebSocketConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ws := NewWebSocket(WebSocketConfig{URL: url, Timeout: 200 * time.Millisecond}, nil)
	err := ws.Connect(context.Background())
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.Equal(t, StateUnconnected, ws.State())
}

func TestWebSocketNotConnected(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1/rpc"}, nil)
	_, err := ws.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrNotConnected)
	assert.ErrorIs(t, ws.WriteFrame(context.Background(), []byte{1}), wire.ErrNotConnected)
	assert.NoError(t, ws.Close())
}

func TestWebSocketClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := dialTest(t, url)
	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	assert.Equal(t, StateClosed, ws.State())
	_, err := ws.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrConnection)
}
