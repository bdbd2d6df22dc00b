package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/transport/transporttest"
	"github.com/impuls42/ats-mini/internal/wire"
)

const poll = 20 * time.Millisecond

func running(t *testing.T) (*Monitor, *transporttest.Device, <-chan error) {
	t.Helper()
	dev := transporttest.NewDevice()
	e := rpc.New(dev)
	require.NoError(t, e.Connect(context.Background()))
	m := New(e, NewEventBus(16), poll, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		e.Close()
	})
	return m, dev, done
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return Event{}
	}
}

func TestRunPublishesEvents(t *testing.T) {
	m, dev, _ := running(t)
	ch, unsub := m.Bus().Subscribe()
	defer unsub()

	dev.Emit("stats", map[string]any{"rssi": 30})
	ev := next(t, ch)
	assert.Equal(t, "stats", ev.Name)
	rssi, _ := message.Int(ev.Params, "rssi")
	assert.Equal(t, int64(30), rssi)
}

func TestRunSkipsUnreadableFrames(t *testing.T) {
	m, dev, _ := running(t)
	ch, unsub := m.Bus().Subscribe()
	defer unsub()

	dev.Push(wire.EncodeFrame([]byte{0xff}))
	dev.Emit("stats", nil)
	assert.Equal(t, "stats", next(t, ch).Name)
}

func TestCallWhileRunning(t *testing.T) {
	m, dev, _ := running(t)
	ch, unsub := m.Bus().Subscribe()
	defer unsub()

	dev.Handle("volume.get", func(*message.Request) transporttest.Reply {
		return transporttest.Reply{
			Before: []message.Message{dev.Event("stats", nil)},
			Result: map[string]any{"volume": 12},
		}
	})

	res, err := m.Call(context.Background(), "volume.get", nil, time.Second)
	require.NoError(t, err)
	v, _ := message.Int(res, "volume")
	assert.Equal(t, int64(12), v)
	assert.Equal(t, "stats", next(t, ch).Name, "events seen by the call are published")
}

func TestExclusiveKeepsStream(t *testing.T) {
	m, dev, _ := running(t)
	dev.Handle("screen.capture", func(*message.Request) transporttest.Reply {
		return transporttest.Reply{
			Result: map[string]any{"stream_id": 1},
			After: []message.Message{
				dev.Event("screen.chunk", map[string]any{"stream_id": 1, "offset": 0, "data": []byte("xy")}),
				dev.Event("screen.done", map[string]any{"stream_id": 1, "bytes": 2}),
			},
		}
	})

	var data []byte
	err := m.Exclusive(context.Background(), func(e *rpc.Engine) error {
		res, err := e.Call(context.Background(), "screen.capture", nil, time.Second)
		if err != nil {
			return err
		}
		sid, _ := message.Uint(res, "stream_id")
		data, err = e.ReadStream(context.Background(), sid, time.Second)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), data)
}

func TestRunEndsOnLinkLoss(t *testing.T) {
	_, dev, done := running(t)
	require.NoError(t, dev.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, wire.ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCaptureScreenWhileRunning(t *testing.T) {
	m, dev, _ := running(t)
	ch, unsub := m.Bus().Subscribe()
	defer unsub()

	dev.Handle("screen.capture", func(*message.Request) transporttest.Reply {
		return transporttest.Reply{
			Result: map[string]any{"stream_id": 2, "format": "binary", "width": 4, "height": 1},
			After: []message.Message{
				dev.Event("screen.chunk", map[string]any{"stream_id": 2, "offset": 0, "data": []byte("ab")}),
				dev.Event("stats", nil),
				dev.Event("screen.chunk", map[string]any{"stream_id": 2, "offset": 2, "data": []byte("cd")}),
				dev.Event("screen.done", map[string]any{"stream_id": 2, "bytes": 4}),
			},
		}
	})

	c, err := m.CaptureScreen(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), c.Data)
	assert.Equal(t, 4, c.Width)
	assert.Equal(t, "stats", next(t, ch).Name)
}
