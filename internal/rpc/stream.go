package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

// Streamed results are announced by a response carrying stream_id and then
// delivered as "<topic>.chunk" events with {stream_id, offset, data}, closed
// by "<topic>.done" with {stream_id, bytes}.
const (
	chunkSuffix = ".chunk"
	doneSuffix  = ".done"
)

// StreamID extracts the stream_id of a chunk or done event. ok is false for
// any other event.
func StreamID(ev *message.Event) (id uint64, ok bool) {
	if !strings.HasSuffix(ev.Name, chunkSuffix) && !strings.HasSuffix(ev.Name, doneSuffix) {
		return 0, false
	}
	return message.Uint(ev.Params, "stream_id")
}

// IsStreamChunk reports whether ev carries stream data.
func IsStreamChunk(ev *message.Event) bool {
	return strings.HasSuffix(ev.Name, chunkSuffix)
}

// ReadStream collects the data of stream streamID until its done event.
// Chunks are concatenated in arrival order; a chunk without byte-string
// data, or whose offset does not match the bytes collected so far, fails with
// wire.ErrDecode, as does a done event whose byte count disagrees. Unrelated events go to the event handler
// and stray responses are dropped. timeout is one deadline for the whole stream.
func (e *Engine) ReadStream(ctx context.Context, streamID uint64, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer
	chunks := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wire.Timeoutf("rpc: stream %d incomplete after %s (%d bytes)", streamID, timeout, buf.Len())
		}
		msg, err := e.ReadMessage(ctx, remaining)
		if err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				return nil, wire.Timeoutf("rpc: stream %d incomplete after %s (%d bytes)", streamID, timeout, buf.Len())
			}
			return nil, err
		}
		ev, ok := msg.(*message.Event)
		if !ok {
			continue
		}
		id, isStream := StreamID(ev)
		if !isStream || id != streamID {
			e.forward(ev)
			continue
		}

		if IsStreamChunk(ev) {
			data, ok := message.Bytes(ev.Params, "data")
			if !ok {
				return nil, fmt.Errorf("%w: stream %d chunk %d has no byte data", wire.ErrDecode, streamID, chunks)
			}
			if off, ok := message.Uint(ev.Params, "offset"); ok && off != uint64(buf.Len()) {
				return nil, fmt.Errorf("%w: stream %d chunk at offset %d, have %d bytes", wire.ErrDecode, streamID, off, buf.Len())
			}
			buf.Write(data)
			chunks++
			continue
		}

		if total, ok := message.Uint(ev.Params, "bytes"); ok && total != uint64(buf.Len()) {
			return nil, fmt.Errorf("%w: stream %d done with %d bytes, received %d", wire.ErrDecode, streamID, total, buf.Len())
		}
		e.log.Debug("stream complete", zap.Uint64("stream_id", streamID), zap.Int("chunks", chunks), zap.Int("bytes", buf.Len()))
		return buf.Bytes(), nil
	}
}
