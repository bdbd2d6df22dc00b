// Package monitor runs the background read loop that turns unsolicited
// device events into EventBus publications, and arbitrates the single RPC
// stream between that loop and foreground calls.
package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/wire"
)

// DefaultPollInterval bounds how long the read loop holds the stream
// before letting a waiting call in.
const DefaultPollInterval = time.Second

// Monitor owns one engine. Every exchange on it, background or foreground,
// holds the exchange lock.
type Monitor struct {
	e    *rpc.Engine
	bus  *EventBus
	log  *zap.Logger
	poll time.Duration

	lock *semaphore.Weighted
}

// New wraps e and installs an event handler that publishes to bus, so
// events read during foreground calls are not lost.
func New(e *rpc.Engine, bus *EventBus, poll time.Duration, log *zap.Logger) *Monitor {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{e: e, bus: bus, log: log.Named("monitor"), poll: poll, lock: semaphore.NewWeighted(1)}
	e.SetEventHandler(bus.PublishMessage)
	return m
}

// Bus returns the bus events are published to.
func (m *Monitor) Bus() *EventBus { return m.bus }

// Engine returns the underlying engine. Use Exclusive for I/O.
func (m *Monitor) Engine() *rpc.Engine { return m.e }

// Run reads messages until ctx is done or the link fails. Read timeouts,
// frame and decode errors are logged and the loop continues; a connection
// error ends it. It returns nil when ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started", zap.Duration("poll", m.poll))
	defer m.log.Info("monitor stopped")
	for {
		msg, err := m.readOne(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, wire.ErrTimeout):
			continue
		case errors.Is(err, wire.ErrFrame), errors.Is(err, wire.ErrDecode):
			m.log.Warn("skipping unreadable message", zap.Error(err))
			continue
		default:
			return err
		}

		switch v := msg.(type) {
		case *message.Event:
			m.bus.PublishMessage(v)
		case *message.Response:
			m.log.Debug("dropping unsolicited response", zap.Uint64("id", v.ID))
		}
	}
}

func (m *Monitor) readOne(ctx context.Context) (message.Message, error) {
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.lock.Release(1)
	return m.e.ReadMessage(ctx, m.poll)
}

// Exclusive runs fn with sole use of the engine. Multi-step exchanges such as
// a screen capture (call, then stream) must run inside one Exclusive.
func (m *Monitor) Exclusive(ctx context.Context, fn func(e *rpc.Engine) error) error {
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.lock.Release(1)
	return fn(m.e)
}

// Call is Engine.Call under the exchange lock.
func (m *Monitor) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (res map[string]any, err error) {
	err = m.Exclusive(ctx, func(e *rpc.Engine) error {
		res, err = e.Call(ctx, method, params, timeout)
		return err
	})
	return res, err
}

// ReadStream is Engine.ReadStream under the exchange lock. On its own it only
// helps when the stream has not started yet; prefer Exclusive.
func (m *Monitor) ReadStream(ctx context.Context, streamID uint64, timeout time.Duration) (data []byte, err error) {
	err = m.Exclusive(ctx, func(e *rpc.Engine) error {
		data, err = e.ReadStream(ctx, streamID, timeout)
		return err
	})
	return data, err
}

// CaptureScreen runs radio.CaptureScreen as one exclusive exchange.
func (m *Monitor) CaptureScreen(ctx context.Context, format string, opts ...radio.Option) (c *radio.Capture, err error) {
	err = m.Exclusive(ctx, func(e *rpc.Engine) error {
		c, err = radio.New(e, opts...).CaptureScreen(ctx, format)
		return err
	})
	return c, err
}
