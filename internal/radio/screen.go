package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

// Screen capture formats understood by screen.capture.
const (
	FormatBinary = "binary"
	FormatRLE    = "rle"
)

// CaptureTimeout bounds the chunk stream that follows a screen.capture reply.
const CaptureTimeout = 30 * time.Second

// Capture is a reassembled screen dump.
type Capture struct {
	StreamID uint64 `json:"stream_id"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Data     []byte `json:"-"`
}

// CaptureScreen requests a screen dump and collects its screen.chunk stream.
// An empty format means FormatBinary.
//
// Other traffic must not read the connection between the reply and the end
// of the stream; run this under monitor.Monitor.Exclusive when a monitor is
// active.
func (r *Radio) CaptureScreen(ctx context.Context, format string) (*Capture, error) {
	if format == "" {
		format = FormatBinary
	}
	if format != FormatBinary && format != FormatRLE {
		return nil, fmt.Errorf("radio: unknown capture format %q", format)
	}
	res, err := r.Call(ctx, "screen.capture", map[string]any{"format": format})
	if err != nil {
		return nil, err
	}
	sid, ok := message.Uint(res, "stream_id")
	if !ok {
		return nil, fmt.Errorf("%w: radio: screen.capture result has no stream_id", wire.ErrDecode)
	}
	c := &Capture{StreamID: sid, Format: format}
	if f, ok := message.String(res, "format"); ok {
		c.Format = f
	}
	if w, ok := message.Int(res, "width"); ok {
		c.Width = int(w)
	}
	if h, ok := message.Int(res, "height"); ok {
		c.Height = int(h)
	}

	timeout := CaptureTimeout
	if r.timeout > timeout {
		timeout = r.timeout
	}
	c.Data, err = r.c.ReadStream(ctx, sid, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}
