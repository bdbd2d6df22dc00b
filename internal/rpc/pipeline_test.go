package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/transport/transporttest"
	"github.com/impuls42/ats-mini/internal/wire"
)

// outOfOrder makes "first.get" silent and answers it just before "second.get".
func outOfOrder(dev *transporttest.Device) {
	dev.Handle("first.get", func(*message.Request) transporttest.Reply {
		return transporttest.Reply{Silent: true}
	})
	dev.Handle("second.get", func(req *message.Request) transporttest.Reply {
		return transporttest.Reply{
			Before: []message.Message{&message.Response{ID: req.ID - 1, Result: map[string]any{"n": 1}}},
			Result: map[string]any{"n": 2},
		}
	})
}

func TestPipelineAwaitInAnyOrder(t *testing.T) {
	e, dev := connected(t)
	outOfOrder(dev)
	p := NewPipeline(e)
	ctx := context.Background()

	first, err := p.Send(ctx, "first.get", nil)
	require.NoError(t, err)
	second, err := p.Send(ctx, "second.get", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Pending())

	resp, err := p.Await(ctx, second, time.Second)
	require.NoError(t, err)
	n, _ := message.Int(resp.Result, "n")
	assert.Equal(t, int64(2), n)

	resp, err = p.Await(ctx, first, 10*time.Millisecond)
	require.NoError(t, err, "buffered response is returned without reading")
	n, _ = message.Int(resp.Result, "n")
	assert.Equal(t, int64(1), n)
	assert.Zero(t, p.Pending())

	_, err = p.Await(ctx, first, time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestEngineDiscardsWhatPipelineBuffers(t *testing.T) {
	e, dev := connected(t)
	outOfOrder(dev)
	ctx := context.Background()

	first, err := e.Request(ctx, "first.get", nil)
	require.NoError(t, err)
	second, err := e.Request(ctx, "second.get", nil)
	require.NoError(t, err)

	_, err = e.ReadResponse(ctx, second, time.Second)
	require.NoError(t, err)
	_, err = e.ReadResponse(ctx, first, 30*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimeout, "the earlier response was consumed and dropped")
}

func TestPipelineCall(t *testing.T) {
	e, dev := connected(t)
	dev.Fail("theme.set", 1, "out of range")
	p := NewPipeline(e)

	_, err := p.Call(context.Background(), "theme.set", map[string]any{"value": 255}, time.Second)
	var rpcErr *message.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(1), rpcErr.Code)
}
