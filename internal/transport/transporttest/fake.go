// Package transporttest provides an in-memory Transport and a scripted fake
// ATS-Mini for tests of the layers above the transport.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/transport"
	"github.com/impuls42/ats-mini/internal/wire"
)

const inboxSize = 4096

// Fake is a Transport whose incoming frames are queued with Push and whose
// outgoing frames are recorded.
type Fake struct {
	// ConnectErr and CloseErr, when set, are returned by Connect and Close.
	ConnectErr error
	CloseErr   error
	// OnWrite runs synchronously for every written frame.
	OnWrite func(frame []byte)

	inbox chan []byte

	mu      sync.Mutex
	state   transport.ConnectionState
	written [][]byte
	closes  int
}

var _ transport.Transport = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{inbox: make(chan []byte, inboxSize)}
}

func (f *Fake) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == transport.StateClosed {
		return wire.Connectionf("fake: closed")
	}
	f.state = transport.StateConnected
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.state = transport.StateClosed
	f.closes++
	f.mu.Unlock()
	return f.CloseErr
}

func (f *Fake) WriteFrame(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	if f.state != transport.StateConnected {
		f.mu.Unlock()
		return wire.ErrNotConnected
	}
	f.written = append(f.written, append([]byte(nil), frame...))
	hook := f.OnWrite
	f.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (f *Fake) ReadFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if f.State() != transport.StateConnected {
		return nil, wire.ErrNotConnected
	}
	select {
	case frame := <-f.inbox:
		return frame, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-f.inbox:
		return frame, nil
	case <-timer.C:
		return nil, wire.Timeoutf("fake: no frame after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current link state.
func (f *Fake) State() transport.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Drop simulates the peer going away: the link reports StateLost and
// further I/O fails until Close.
func (f *Fake) Drop() {
	f.mu.Lock()
	if f.state == transport.StateConnected {
		f.state = transport.StateLost
	}
	f.mu.Unlock()
}

// Closes counts Close calls.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Push queues a raw frame for ReadFrame.
func (f *Fake) Push(frame []byte) {
	f.inbox <- frame
}

// PushMessage encodes, frames and queues m.
func (f *Fake) PushMessage(m message.Message) {
	payload, err := message.Encode(m)
	if err != nil {
		panic(err)
	}
	f.Push(wire.EncodeFrame(payload))
}

// Written returns a copy of every frame written so far.
func (f *Fake) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}
