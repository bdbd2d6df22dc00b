// Package rpc implements the transport-independent RPC engine: request id
// allocation, request framing, and response/event demultiplexing under a
// single deadline.
//
// One Engine drives exactly one Transport. Reads are single-consumer: callers
// that share an Engine between goroutines must serialize exchanges (see the
// monitor package).
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/transport"
	"github.com/impuls42/ats-mini/internal/wire"
)

// EventHandler receives events the engine consumes while waiting for
// something else. It runs on the reading goroutine and must not block.
type EventHandler func(ev *message.Event)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithEventHandler forwards skipped events to h.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) { e.SetEventHandler(h) }
}

// Engine is the RPC layer over one Transport.
type Engine struct {
	t       transport.Transport
	log     *zap.Logger
	nextID  atomic.Uint64 // last allocated id
	onEvent atomic.Pointer[EventHandler]

	mu    sync.Mutex
	state transport.ConnectionState
}

// New wraps t. The engine starts Unconnected.
func New(t transport.Transport, opts ...Option) *Engine {
	e := &Engine{t: t, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("rpc")
	return e
}

// SetEventHandler replaces the event handler; nil disables forwarding.
func (e *Engine) SetEventHandler(h EventHandler) {
	if h == nil {
		e.onEvent.Store(nil)
		return
	}
	e.onEvent.Store(&h)
}

// Transport returns the wrapped transport.
func (e *Engine) Transport() transport.Transport { return e.t }

// linkState is implemented by transports that notice a dropped link.
type linkState interface {
	State() transport.ConnectionState
}

// State returns the engine's connection state. A connected engine whose
// transport lost its link reports transport.StateLost.
func (e *Engine) State() transport.ConnectionState {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != transport.StateConnected {
		return st
	}
	if ls, ok := e.t.(linkState); ok && ls.State() == transport.StateLost {
		return transport.StateLost
	}
	return st
}

// Connect opens the transport. A failure leaves the engine Unconnected so
// Connect may be retried; a closed engine cannot be reopened.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case transport.StateConnected:
		return nil
	case transport.StateClosed:
		return wire.Connectionf("rpc: engine closed")
	}
	if err := e.t.Connect(ctx); err != nil {
		return err
	}
	e.state = transport.StateConnected
	return nil
}

// Close closes the transport. The engine is Closed afterwards whatever the
// transport reports; the transport's error is returned for logging only.
func (e *Engine) Close() error {
	e.mu.Lock()
	prev := e.state
	e.state = transport.StateClosed
	e.mu.Unlock()
	if prev == transport.StateClosed {
		return nil
	}
	err := e.t.Close()
	if err != nil {
		e.log.Debug("transport close", zap.Error(err))
	}
	return err
}

// Request sends method with the next request id and returns that id.
func (e *Engine) Request(ctx context.Context, method string, params map[string]any) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	id := e.nextID.Add(1)
	return id, e.send(ctx, id, method, params)
}

// RequestWithID sends method under a caller-chosen id. The id counter is not
// advanced.
func (e *Engine) RequestWithID(ctx context.Context, id uint64, method string, params map[string]any) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.send(ctx, id, method, params)
}

// ReadMessage reads and decodes exactly one frame.
func (e *Engine) ReadMessage(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	frame, err := e.t.ReadFrame(ctx, timeout)
	if err != nil {
		return nil, err
	}
	payload, err := wire.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	msg, err := message.Decode(payload)
	if err != nil {
		e.log.Debug("undecodable payload", zap.Int("bytes", len(payload)), zap.Binary("head", head(payload, 64)), zap.Error(err))
		return nil, err
	}

	if ce := e.log.Check(zap.DebugLevel, "← "+msg.Kind().String()); ce != nil {
		switch m := msg.(type) {
		case *message.Response:
			ce.Write(zap.Uint64("id", m.ID), zap.Any("result", m.Result), zap.Any("error", m.Error))
		case *message.Event:
			ce.Write(zap.String("event", m.Name), zap.Uint64("seq", m.Seq), zap.Int("params", len(m.Params)))
		case *message.Request:
			ce.Write(zap.Uint64("id", m.ID), zap.String("method", m.Method))
		}
	}
	return msg, nil
}

// ReadResponse reads messages until the response for id arrives. timeout is
// one deadline for the whole wait: skipped messages consume it.
//
// Events are passed to the event handler and skipped. Responses for other
// ids are discarded, not queued; callers with several requests in flight
// should use a Pipeline.
func (e *Engine) ReadResponse(ctx context.Context, id uint64, timeout time.Duration) (*message.Response, error) {
	deadline := time.Now().Add(timeout)
	skipped := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wire.Timeoutf("rpc: no response to id %d after %s", id, timeout)
		}
		msg, err := e.ReadMessage(ctx, remaining)
		if err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				return nil, wire.Timeoutf("rpc: no response to id %d after %s", id, timeout)
			}
			return nil, err
		}
		switch m := msg.(type) {
		case *message.Response:
			if m.ID == id {
				if skipped > 0 {
					e.log.Debug("skipped messages while waiting", zap.Uint64("id", id), zap.Int("skipped", skipped))
				}
				return m, nil
			}
			e.log.Debug("discarding response for another request", zap.Uint64("want", id), zap.Uint64("got", m.ID))
		case *message.Event:
			e.forward(m)
		}
		skipped++
	}
}

// Call sends method and waits for its result. A device-reported failure is
// returned as *message.RPCError.
func (e *Engine) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	id, err := e.Request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := e.ReadResponse(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ── internal ──────────────────────────────────────────────────────────────

// ready checks the engine's own state only, so a lost link still surfaces
// the transport's read error.
func (e *Engine) ready() error {
	e.mu.Lock()
	s := e.state
	e.mu.Unlock()
	if s != transport.StateConnected {
		return fmt.Errorf("%w (engine %s)", wire.ErrNotConnected, s)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, id uint64, method string, params map[string]any) error {
	payload, err := message.EncodeRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", method, err)
	}
	frame := wire.EncodeFrame(payload)
	e.log.Debug("→ request",
		zap.Uint64("id", id),
		zap.String("method", method),
		zap.Any("params", params),
		zap.Int("bytes", len(frame)))

	if err := e.t.WriteFrame(ctx, frame); err != nil {
		if errors.Is(err, wire.ErrConnection) || ctx.Err() != nil {
			return err
		}
		return wire.Connectionf("rpc: write %s: %w", method, err)
	}
	return nil
}

func (e *Engine) forward(ev *message.Event) {
	if h := e.onEvent.Load(); h != nil {
		(*h)(ev)
	}
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
