package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

// Nordic UART Service, as exposed by the firmware.
const (
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write, central → device
	NUSTXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify, device → central
)

const (
	// DefaultBLEName is the name the firmware advertises.
	DefaultBLEName = "ATS-Mini"
	// DefaultScanTimeout bounds device discovery.
	DefaultScanTimeout = 10 * time.Second
	// DefaultMTU is the minimum ATT MTU, used when the stack does not report one.
	DefaultMTU = 23

	attHeaderSize = 3
)

// BLECentral discovers and connects to a peripheral by advertised name.
type BLECentral interface {
	// Connect scans for up to scanTimeout and connects to the first device
	// advertising name. A device that is not found fails with wire.ErrConnection.
	Connect(ctx context.Context, name string, scanTimeout time.Duration) (BLEPeripheral, error)
}

// BLEPeripheral is a connected GATT server.
type BLEPeripheral interface {
	// Subscribe enables notifications on the characteristic and calls onData
	// for every value, from a goroutine owned by the implementation.
	Subscribe(uuid string, onData func([]byte)) error
	Unsubscribe(uuid string) error
	// WriteWithoutResponse performs an unacknowledged write of at most MTU-3 bytes.
	WriteWithoutResponse(ctx context.Context, uuid string, data []byte) error
	// MTU returns the negotiated ATT MTU.
	MTU() (int, error)
	// OnDisconnect registers fn to run once when the link drops.
	OnDisconnect(fn func())
	Disconnect() error
}

type bleTiming struct {
	pacing time.Duration // between chunks of one frame
	settle time.Duration // after the switch byte
}

var defaultBLETiming = bleTiming{
	pacing: 5 * time.Millisecond,
	settle: 100 * time.Millisecond,
}

// BLEConfig addresses a device by advertised name.
type BLEConfig struct {
	Name        string
	ScanTimeout time.Duration
}

// BLE is the notification-based transport over the Nordic UART Service.
//
// Notifications append to an unbounded receive buffer and wake the reader.
// ReadFrame slices complete frames off the front; leftover bytes belong to
// the next frame.
type BLE struct {
	cfg     BLEConfig
	central BLECentral
	log     *zap.Logger
	timing  bleTiming

	writeMu sync.Mutex
	readMu  sync.Mutex

	mu     sync.Mutex // guards buf, periph, mtu
	buf    []byte
	periph BLEPeripheral
	mtu    int

	signal chan struct{}
	state  atomic.Int32 // ConnectionState
	lost   atomic.Bool
}

var (
	_ Transport    = (*BLE)(nil)
	_ ModeSwitcher = (*BLE)(nil)
)

// NewBLE constructs an unconnected BLE transport driven by central.
func NewBLE(cfg BLEConfig, central BLECentral, log *zap.Logger) *BLE {
	if cfg.Name == "" {
		cfg.Name = DefaultBLEName
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BLE{
		cfg:     cfg,
		central: central,
		log:     log.Named("ble"),
		timing:  defaultBLETiming,
		mtu:     DefaultMTU,
		signal:  make(chan struct{}, 1),
	}
}

// State returns the current link state. A peripheral that disconnected on
// its own reports StateLost until Close.
func (b *BLE) State() ConnectionState {
	st := ConnectionState(b.state.Load())
	if st == StateConnected && b.lost.Load() {
		return StateLost
	}
	return st
}

// MTU returns the ATT MTU in use for chunking.
func (b *BLE) MTU() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mtu
}

func (b *BLE) Connect(ctx context.Context) error {
	switch b.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return wire.Connectionf("ble: transport closed")
	case StateLost:
		return wire.Connectionf("ble: device disconnected")
	}
	if b.central == nil {
		return wire.Connectionf("ble: no adapter available")
	}

	b.log.Info("scanning", zap.String("name", b.cfg.Name), zap.Duration("timeout", b.cfg.ScanTimeout))
	p, err := b.central.Connect(ctx, b.cfg.Name, b.cfg.ScanTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, wire.ErrConnection) || errors.Is(err, wire.ErrTimeout) {
			return err
		}
		return wire.Connectionf("ble: connect %q: %w", b.cfg.Name, err)
	}

	p.OnDisconnect(b.onDisconnect)
	if err := p.Subscribe(NUSTXCharUUID, b.onNotify); err != nil {
		return multierr.Append(wire.Connectionf("ble: subscribe: %w", err), p.Disconnect())
	}

	mtu, err := p.MTU()
	if err != nil || mtu <= attHeaderSize {
		b.log.Debug("mtu unavailable, using default", zap.Int("reported", mtu), zap.Error(err), zap.Int("mtu", DefaultMTU))
		mtu = DefaultMTU
	}

	b.mu.Lock()
	b.periph = p
	b.mtu = mtu
	b.buf = nil
	b.mu.Unlock()
	b.lost.Store(false)
	b.state.Store(int32(StateConnected))

	b.log.Info("connected", zap.String("name", b.cfg.Name), zap.Int("mtu", mtu))
	return nil
}

// SwitchMode writes the switch byte and waits for the device to settle.
func (b *BLE) SwitchMode(ctx context.Context) error {
	p, _, err := b.current()
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	err = p.WriteWithoutResponse(ctx, NUSRXCharUUID, []byte{wire.SwitchByte})
	b.writeMu.Unlock()
	if err != nil {
		return wire.Connectionf("ble: mode switch: %w", err)
	}
	if err := sleepCtx(ctx, b.timing.settle); err != nil {
		return err
	}
	b.log.Info("rpc mode active")
	return nil
}

// WriteFrame splits frame into chunks of at most MTU-3 bytes, pacing the
// writes so the device's receive queue is not overrun.
func (b *BLE) WriteFrame(ctx context.Context, frame []byte) error {
	p, mtu, err := b.current()
	if err != nil {
		return err
	}
	chunk := mtu - attHeaderSize

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	for off := 0; off < len(frame); off += chunk {
		end := off + chunk
		if end > len(frame) {
			end = len(frame)
		}
		if b.lost.Load() {
			return wire.Connectionf("ble: device disconnected")
		}
		if err := p.WriteWithoutResponse(ctx, NUSRXCharUUID, frame[off:end]); err != nil {
			return wire.Connectionf("ble: write chunk at %d: %w", off, err)
		}
		if end < len(frame) {
			if err := sleepCtx(ctx, b.timing.pacing); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFrame waits until a complete frame is buffered. A header that fails
// length validation discards the whole buffer and fails with wire.ErrFrame.
func (b *BLE) ReadFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if _, _, err := b.current(); err != nil {
		return nil, err
	}
	b.readMu.Lock()
	defer b.readMu.Unlock()

	expired, stop := deadlineTimer(timeout)
	defer stop()
	for {
		if b.lost.Load() {
			return nil, wire.Connectionf("ble: device disconnected")
		}
		frame, have, want, err := b.takeFrame()
		if err != nil || frame != nil {
			return frame, err
		}
		select {
		case <-b.signal:
		case <-expired:
			if want == 0 {
				return nil, wire.Timeoutf("ble: waiting for frame header (%d bytes buffered)", have)
			}
			return nil, wire.Timeoutf("ble: waiting for frame payload (got %d/%d bytes)", have, want)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops notifications and disconnects. Safe to call twice.
func (b *BLE) Close() error {
	b.mu.Lock()
	p := b.periph
	b.periph = nil
	b.buf = nil
	b.mu.Unlock()
	prev := ConnectionState(b.state.Swap(int32(StateClosed)))

	if p == nil {
		return nil
	}
	var err error
	if !b.lost.Load() {
		if uerr := p.Unsubscribe(NUSTXCharUUID); uerr != nil {
			b.log.Warn("stop notify", zap.Error(uerr))
		}
	}
	err = multierr.Append(err, p.Disconnect())
	if prev == StateConnected {
		b.log.Info("disconnected", zap.String("name", b.cfg.Name))
	}
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (b *BLE) current() (BLEPeripheral, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.periph == nil || ConnectionState(b.state.Load()) != StateConnected {
		return nil, 0, wire.ErrNotConnected
	}
	if b.lost.Load() {
		return nil, 0, wire.Connectionf("ble: device disconnected")
	}
	return b.periph, b.mtu, nil
}

// takeFrame removes one complete frame from the front of the buffer. When
// none is complete it reports the buffered byte count and, once the header
// is known, the total frame size being waited for.
func (b *BLE) takeFrame() (frame []byte, have, want int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	have = len(b.buf)
	if have < wire.HeaderSize {
		return nil, have, 0, nil
	}
	n, err := checkLength(b.buf)
	if err != nil {
		b.log.Warn("invalid frame length, flushing buffer",
			zap.Uint32("length", n),
			zap.Int("flushed", have),
			zap.Bool("looks_like_cbor", wire.LooksLikeCBOR(b.buf)))
		b.buf = nil
		return nil, have, 0, err
	}
	want = wire.HeaderSize + int(n)
	if have < want {
		return nil, have, want, nil
	}
	frame = make([]byte, want)
	copy(frame, b.buf)
	b.buf = append(b.buf[:0:0], b.buf[want:]...)
	return frame, have, want, nil
}

func (b *BLE) onNotify(data []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, data...)
	b.mu.Unlock()
	b.wake()
}

func (b *BLE) onDisconnect() {
	if b.lost.Swap(true) {
		return
	}
	if ConnectionState(b.state.Load()) == StateConnected {
		b.log.Warn("device disconnected", zap.String("name", b.cfg.Name))
	}
	b.wake()
}

func (b *BLE) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
