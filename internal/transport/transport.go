// Package transport provides the Transport interface and the serial, WebSocket
// and BLE implementations that carry length-prefixed RPC frames to an ATS-Mini.
package transport

import (
	"context"
	"time"

	"github.com/impuls42/ats-mini/internal/wire"
)

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateUnconnected ConnectionState = iota
	StateConnected
	StateClosed
	// StateLost is a connected link the peer dropped. Close it and build a
	// new transport.
	StateLost
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateLost:
		return "lost"
	default:
		return "unconnected"
	}
}

// Transport is the capability contract every physical link implements.
// The RPC engine is written purely against it.
//
// Implementations serialize their own access to the underlying link, but a
// single reader is assumed: two goroutines calling ReadFrame concurrently
// receive frames in an unspecified split.
type Transport interface {
	// Connect opens the link. Fails with wire.ErrConnection or wire.ErrTimeout.
	Connect(ctx context.Context) error
	// Close releases the link. It is best-effort and safe to call twice.
	Close() error
	// WriteFrame sends one complete frame (header + payload).
	WriteFrame(ctx context.Context, frame []byte) error
	// ReadFrame returns the next complete frame (header + payload). It fails
	// with wire.ErrTimeout when timeout elapses first, and with ctx.Err() when
	// ctx is cancelled.
	ReadFrame(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// ModeSwitcher is implemented by links whose device boots in text mode and
// must receive wire.SwitchByte before any RPC traffic (serial and BLE).
type ModeSwitcher interface {
	SwitchMode(ctx context.Context) error
}

// SwitchMode performs the mode switch when t supports it and is a no-op otherwise.
func SwitchMode(ctx context.Context, t Transport) error {
	if ms, ok := t.(ModeSwitcher); ok {
		return ms.SwitchMode(ctx)
	}
	return nil
}

// deadlineTimer returns a channel that fires when timeout elapses. A
// non-positive timeout fires immediately.
func deadlineTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// checkLength applies the resync policy shared by the stream transports.
func checkLength(hdr []byte) (uint32, error) {
	n := wire.PayloadLength(hdr)
	if !wire.ValidLength(n) {
		return n, wire.InvalidLength(hdr)
	}
	return n, nil
}
