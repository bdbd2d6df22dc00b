// Package radio is the typed facade over the ATS-Mini RPC methods. Each
// accessor is a thin call-through that maps a Go method onto a dotted RPC
// method name and extracts the interesting field of the result.
package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

const (
	// DefaultTimeout applies to every call except band and mode changes.
	DefaultTimeout = 5 * time.Second
	// RetuneTimeout applies to band.set and mode.set, which reinitialise the tuner.
	RetuneTimeout = 10 * time.Second
)

// Conn is the RPC surface the facade needs. *rpc.Engine and *monitor.Monitor
// both satisfy it.
type Conn interface {
	Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error)
	ReadStream(ctx context.Context, streamID uint64, timeout time.Duration) ([]byte, error)
}

// Radio wraps a Conn.
type Radio struct {
	c       Conn
	timeout time.Duration
}

// Option configures a Radio.
type Option func(*Radio)

// WithTimeout replaces DefaultTimeout. Retune calls keep RetuneTimeout
// unless d is longer.
func WithTimeout(d time.Duration) Option {
	return func(r *Radio) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(c Conn, opts ...Option) *Radio {
	r := &Radio{c: c, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Call invokes any method by name with the facade's default timeout.
func (r *Radio) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	return r.c.Call(ctx, method, params, r.timeout)
}

// ── bulk ──────────────────────────────────────────────────────────────────

func (r *Radio) AllSettings(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "settings.get", nil)
}

func (r *Radio) Status(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "status.get", nil)
}

func (r *Radio) Capabilities(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "capabilities.get", nil)
}

// ── scalar settings ───────────────────────────────────────────────────────

func (r *Radio) Volume(ctx context.Context) (int, error) {
	return r.getInt(ctx, "volume.get", "volume")
}

// SetVolume returns the volume the device settled on.
func (r *Radio) SetVolume(ctx context.Context, v int) (int, error) {
	return r.setInt(ctx, "volume.set", v, "volume")
}

func (r *Radio) Squelch(ctx context.Context) (int, error) {
	return r.getInt(ctx, "squelch.get", "squelch")
}

func (r *Radio) SetSquelch(ctx context.Context, v int) (int, error) {
	return r.setInt(ctx, "squelch.set", v, "squelch")
}

func (r *Radio) Brightness(ctx context.Context) (int, error) {
	return r.getInt(ctx, "brightness.get", "brightness")
}

func (r *Radio) SetBrightness(ctx context.Context, v int) (int, error) {
	return r.setInt(ctx, "brightness.set", v, "brightness")
}

// SleepTimeout is the display sleep delay in seconds.
func (r *Radio) SleepTimeout(ctx context.Context) (int, error) {
	return r.getInt(ctx, "sleep.timeout.get", "sleep")
}

func (r *Radio) SetSleepTimeout(ctx context.Context, v int) (int, error) {
	return r.setInt(ctx, "sleep.timeout.set", v, "sleep")
}

func (r *Radio) ScrollDirection(ctx context.Context) (int, error) {
	return r.getInt(ctx, "scroll.direction.get", "scroll_direction")
}

func (r *Radio) SetScrollDirection(ctx context.Context, v int) (int, error) {
	return r.setInt(ctx, "scroll.direction.set", v, "scroll_direction")
}

func (r *Radio) ZoomMenu(ctx context.Context) (bool, error) {
	res, err := r.Call(ctx, "zoom.menu.get", nil)
	if err != nil {
		return false, err
	}
	return resultBool(res, "zoom.menu.get", "enabled")
}

func (r *Radio) SetZoomMenu(ctx context.Context, on bool) (bool, error) {
	res, err := r.Call(ctx, "zoom.menu.set", map[string]any{"value": on})
	if err != nil {
		return false, err
	}
	return resultBool(res, "zoom.menu.set", "enabled")
}

// ── tuning ────────────────────────────────────────────────────────────────

// Frequency returns the frequency result map (frequency plus bfo/unit fields).
func (r *Radio) Frequency(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "frequency.get", nil)
}

// SetFrequency tunes to v in the band's native unit (kHz, or 10 kHz on FM).
func (r *Radio) SetFrequency(ctx context.Context, v int) (map[string]any, error) {
	return r.Call(ctx, "frequency.set", map[string]any{"value": v})
}

func (r *Radio) Band(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "band.get", nil)
}

// SetBand selects a band by index.
func (r *Radio) SetBand(ctx context.Context, index int) (map[string]any, error) {
	return r.c.Call(ctx, "band.set", map[string]any{"value": index}, r.retune())
}

// SetBandByName selects a band by its display name, e.g. "VHF" or "40M".
func (r *Radio) SetBandByName(ctx context.Context, name string) (map[string]any, error) {
	return r.c.Call(ctx, "band.set", map[string]any{"name": name}, r.retune())
}

func (r *Radio) Mode(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "mode.get", nil)
}

func (r *Radio) SetMode(ctx context.Context, index int) (map[string]any, error) {
	return r.c.Call(ctx, "mode.set", map[string]any{"value": index}, r.retune())
}

// ── controls ──────────────────────────────────────────────────────────────

func (r *Radio) SleepOn(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "sleep.on", nil)
}

func (r *Radio) SleepOff(ctx context.Context) (map[string]any, error) {
	return r.Call(ctx, "sleep.off", nil)
}

// MemoryList returns the stored memory slots; empty when the device has none.
func (r *Radio) MemoryList(ctx context.Context) ([]any, error) {
	res, err := r.Call(ctx, "memory.list", nil)
	if err != nil {
		return nil, err
	}
	list, _ := res["memories"].([]any)
	if list == nil {
		list = []any{}
	}
	return list, nil
}

// SubscribeEvents enables an event stream ("stats" is the only one the
// firmware knows). It reports whether the stream is now enabled.
func (r *Radio) SubscribeEvents(ctx context.Context, event string) (bool, error) {
	res, err := r.Call(ctx, "events.subscribe", map[string]any{"event": event})
	if err != nil {
		return false, err
	}
	return resultBool(res, "events.subscribe", "enabled")
}

// UnsubscribeEvents disables an event stream.
func (r *Radio) UnsubscribeEvents(ctx context.Context, event string) (bool, error) {
	res, err := r.Call(ctx, "events.unsubscribe", map[string]any{"event": event})
	if err != nil {
		return false, err
	}
	return resultBool(res, "events.unsubscribe", "enabled")
}

// ── internal ──────────────────────────────────────────────────────────────

func (r *Radio) retune() time.Duration {
	if r.timeout > RetuneTimeout {
		return r.timeout
	}
	return RetuneTimeout
}

func (r *Radio) getInt(ctx context.Context, method, key string) (int, error) {
	res, err := r.Call(ctx, method, nil)
	if err != nil {
		return 0, err
	}
	return resultInt(res, method, key)
}

func (r *Radio) setInt(ctx context.Context, method string, v int, key string) (int, error) {
	res, err := r.Call(ctx, method, map[string]any{"value": v})
	if err != nil {
		return 0, err
	}
	return resultInt(res, method, key)
}

func resultInt(res map[string]any, method, key string) (int, error) {
	v, ok := message.Int(res, key)
	if !ok {
		return 0, fmt.Errorf("%w: radio: %s result has no integer %q", wire.ErrDecode, method, key)
	}
	return int(v), nil
}

func resultBool(res map[string]any, method, key string) (bool, error) {
	v, ok := message.Bool(res, key)
	if !ok {
		return false, fmt.Errorf("%w: radio: %s result has no boolean %q", wire.ErrDecode, method, key)
	}
	return v, nil
}
