package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

const (
	// DefaultWSTimeout bounds the opening handshake.
	DefaultWSTimeout = 3 * time.Second

	wsFrameChanSize  = 64
	wsCloseGrace     = time.Second
	wsMaxMessageSize = wire.HeaderSize + wire.MaxPayload
)

// WebSocketConfig addresses the device's WebSocket endpoint, e.g.
// ws://atsmini.local/rpc.
type WebSocketConfig struct {
	URL     string
	Timeout time.Duration
}

type wsMessage struct {
	kind int
	data []byte
}

// WebSocket is the message-based transport: one binary message is one frame.
// The endpoint is always in RPC mode, so there is no mode switch.
//
// A gorilla connection cannot be read again after a read deadline fires, so
// a single readLoop owns conn reads and ReadFrame waits on its channel.
type WebSocket struct {
	cfg    WebSocketConfig
	log    *zap.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex // guards conn, done
	conn    *websocket.Conn
	frames  chan wsMessage
	readErr error // set before frames is closed
	done    chan struct{}
	wg      sync.WaitGroup
	state   atomic.Int32 // ConnectionState
	lost    atomic.Bool
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket constructs an unconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig, log *zap.Logger) *WebSocket {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWSTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocket{
		cfg: cfg,
		log: log.Named("ws"),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.Timeout,
		},
	}
}

// State returns the current link state. A link the read loop saw drop
// reports StateLost until Close.
func (w *WebSocket) State() ConnectionState {
	st := ConnectionState(w.state.Load())
	if st == StateConnected && w.lost.Load() {
		return StateLost
	}
	return st
}

func (w *WebSocket) Connect(ctx context.Context) error {
	if w.cfg.URL == "" {
		return wire.Connectionf("ws: url is required")
	}
	switch w.State() {
	case StateConnected:
		return nil
	case StateClosed, StateLost:
		return wire.Connectionf("ws: transport closed")
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	conn, _, err := w.dialer.DialContext(dialCtx, w.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return wire.Timeoutf("ws: connect %s after %s", w.cfg.URL, w.cfg.Timeout)
		}
		return wire.Connectionf("ws: connect %s: %w", w.cfg.URL, err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	w.mu.Lock()
	w.conn = conn
	w.frames = make(chan wsMessage, wsFrameChanSize)
	w.done = make(chan struct{})
	w.mu.Unlock()
	w.lost.Store(false)
	w.state.Store(int32(StateConnected))

	w.wg.Add(1)
	go w.readLoop(conn, w.frames, w.done)

	w.log.Info("connected", zap.String("url", w.cfg.URL))
	return nil
}

// WriteFrame sends frame as one binary message.
func (w *WebSocket) WriteFrame(ctx context.Context, frame []byte) error {
	conn, _, err := w.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return wire.Connectionf("ws: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return wire.Connectionf("ws: write: %w", err)
	}
	return nil
}

// ReadFrame returns the next binary message. A text message is a protocol
// violation and fails with wire.ErrDecode.
func (w *WebSocket) ReadFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	_, frames, err := w.current()
	if err != nil {
		return nil, err
	}

	expired, stop := deadlineTimer(timeout)
	defer stop()

	// A frame that is already queued wins over an expired timer.
	select {
	case m, ok := <-frames:
		return w.accept(m, ok)
	default:
	}

	select {
	case m, ok := <-frames:
		return w.accept(m, ok)
	case <-expired:
		return nil, wire.Timeoutf("ws: no message after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down. Safe to call twice.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	w.conn, w.done = nil, nil
	w.mu.Unlock()
	prev := ConnectionState(w.state.Swap(int32(StateClosed)))

	if conn == nil {
		return nil
	}
	close(done)

	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	w.writeMu.Unlock()
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	err = multierr.Append(err, conn.Close())
	w.wg.Wait()

	if prev == StateConnected {
		w.log.Info("disconnected", zap.String("url", w.cfg.URL))
	}
	if err != nil {
		w.log.Debug("close", zap.Error(err))
	}
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (w *WebSocket) current() (*websocket.Conn, chan wsMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || ConnectionState(w.state.Load()) != StateConnected {
		return nil, nil, wire.ErrNotConnected
	}
	return w.conn, w.frames, nil
}

func (w *WebSocket) accept(m wsMessage, ok bool) ([]byte, error) {
	if !ok {
		return nil, wire.Connectionf("ws: read: %w", w.readErr)
	}
	if m.kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: ws: expected binary message, got type %d", wire.ErrDecode, m.kind)
	}
	return m.data, nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, frames chan<- wsMessage, done <-chan struct{}) {
	defer w.wg.Done()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				w.log.Warn("connection lost", zap.Error(err))
			}
			w.readErr = err
			w.lost.Store(true)
			close(frames)
			return
		}
		select {
		case frames <- wsMessage{kind: kind, data: data}:
		case <-done:
			return
		}
	}
}
