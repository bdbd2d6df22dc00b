package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

// DefaultBaudRate is the fixed rate the firmware's USB CDC console runs at.
const DefaultBaudRate = 115200

// serialPort is the subset of serial.Port the transport drives.
type serialPort interface {
	io.ReadWriteCloser
	Drain() error
	ResetInputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
}

type serialOpener func(path string, mode *serial.Mode) (serialPort, error)

func openSerial(path string, mode *serial.Mode) (serialPort, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type serialTiming struct {
	settle     time.Duration // after open, before the first flush
	boot       time.Duration // before the switch byte
	switchWait time.Duration // after the switch byte, before the second flush
	poll       time.Duration // upper bound on a single blocking Read
}

var defaultSerialTiming = serialTiming{
	settle:     100 * time.Millisecond,
	boot:       500 * time.Millisecond,
	switchWait: 200 * time.Millisecond,
	poll:       50 * time.Millisecond,
}

// SerialConfig addresses a device by OS path.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// Serial is the byte-stream transport over the device's USB CDC port.
//
// Blocking port reads are bounded by SetReadTimeout so that every ReadFrame
// honours its deadline and ctx. ioMu covers both directions: the driver
// treats the link as half-duplex. Bytes of a frame that did not complete
// before its deadline stay in pending and start the next ReadFrame.
type Serial struct {
	cfg    SerialConfig
	log    *zap.Logger
	open   serialOpener
	timing serialTiming

	ioMu    sync.Mutex
	pending []byte // guarded by ioMu

	mu    sync.Mutex // guards port
	port  serialPort
	state atomic.Int32 // ConnectionState
}

var (
	_ Transport    = (*Serial)(nil)
	_ ModeSwitcher = (*Serial)(nil)
)

// NewSerial constructs an unconnected serial transport.
func NewSerial(cfg SerialConfig, log *zap.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{
		cfg:    cfg,
		log:    log.Named("serial"),
		open:   openSerial,
		timing: defaultSerialTiming,
	}
}

// State returns the current link state.
func (s *Serial) State() ConnectionState { return ConnectionState(s.state.Load()) }

// Connect opens the port with DTR asserted (the ESP32-S3 only emits CDC
// output while DTR is high), lets the line settle and drops pre-handshake noise.
func (s *Serial) Connect(ctx context.Context) error {
	if s.cfg.Port == "" {
		return wire.Connectionf("serial: port path is required")
	}
	switch s.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return wire.Connectionf("serial: transport closed")
	}

	mode := &serial.Mode{
		BaudRate:          s.cfg.BaudRate,
		InitialStatusBits: &serial.ModemOutputBits{DTR: true, RTS: false},
	}
	port, err := s.open(s.cfg.Port, mode)
	if err != nil {
		return wire.Connectionf("serial: open %s: %w", s.cfg.Port, err)
	}
	if err := errors.Join(port.SetDTR(true), port.SetRTS(false)); err != nil {
		port.Close()
		return wire.Connectionf("serial: set modem lines: %w", err)
	}
	s.log.Debug("port open", zap.String("port", s.cfg.Port), zap.Int("baud", s.cfg.BaudRate))

	if err := sleepCtx(ctx, s.timing.settle); err != nil {
		port.Close()
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return wire.Connectionf("serial: flush input: %w", err)
	}

	s.ioMu.Lock()
	s.pending = nil
	s.ioMu.Unlock()
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.state.Store(int32(StateConnected))
	s.log.Info("connected", zap.String("port", s.cfg.Port))
	return nil
}

// SwitchMode moves the device into binary RPC mode. Text-mode output that
// arrives during the transition is discarded.
func (s *Serial) SwitchMode(ctx context.Context) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.timing.boot); err != nil {
		return err
	}

	s.log.Debug("sending mode switch", zap.String("byte", fmt.Sprintf("0x%02X", wire.SwitchByte)))
	s.ioMu.Lock()
	err = writeAll(port, []byte{wire.SwitchByte})
	if err == nil {
		err = port.Drain()
	}
	s.ioMu.Unlock()
	if err != nil {
		return wire.Connectionf("serial: mode switch: %w", err)
	}

	if err := sleepCtx(ctx, s.timing.switchWait); err != nil {
		return err
	}
	s.ioMu.Lock()
	s.pending = nil
	err = port.ResetInputBuffer()
	s.ioMu.Unlock()
	if err != nil {
		return wire.Connectionf("serial: flush after mode switch: %w", err)
	}
	s.log.Info("rpc mode active")
	return nil
}

func (s *Serial) WriteFrame(ctx context.Context, frame []byte) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if err := writeAll(port, frame); err != nil {
		return wire.Connectionf("serial: write: %w", err)
	}
	if err := port.Drain(); err != nil {
		return wire.Connectionf("serial: drain: %w", err)
	}
	return nil
}

// ReadFrame reads a header and its payload under one deadline. A header
// declaring length 0 or more than wire.MaxPayload flushes all buffered input
// and fails with wire.ErrFrame; the caller decides whether to reconnect.
// A timeout keeps the bytes read so far for the next call.
func (s *Serial) ReadFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	port, err := s.current()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	if err := s.fill(ctx, port, wire.HeaderSize, deadline); err != nil {
		return nil, err
	}
	s.ioMu.Lock()
	hdr := append([]byte(nil), s.pending[:wire.HeaderSize]...)
	s.ioMu.Unlock()
	n, err := checkLength(hdr)
	if err != nil {
		s.log.Warn("invalid frame length, flushing input",
			zap.Uint32("length", n),
			zap.Binary("header", hdr),
			zap.Bool("looks_like_cbor", wire.LooksLikeCBOR(hdr)))
		s.ioMu.Lock()
		s.pending = nil
		ferr := port.ResetInputBuffer()
		s.ioMu.Unlock()
		if ferr != nil {
			s.log.Warn("flush failed", zap.Error(ferr))
		}
		return nil, err
	}

	size := wire.HeaderSize + int(n)
	if err := s.fill(ctx, port, size, deadline); err != nil {
		if errors.Is(err, wire.ErrTimeout) {
			s.log.Warn("payload incomplete", zap.Uint32("length", n))
		}
		return nil, err
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	frame := s.pending[:size:size]
	if rest := s.pending[size:]; len(rest) > 0 {
		s.pending = append([]byte(nil), rest...)
	} else {
		s.pending = nil
	}
	return frame, nil
}

// Close releases the port. Safe to call more than once.
func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	prev := ConnectionState(s.state.Swap(int32(StateClosed)))

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("serial: close: %w", err)
	}
	if prev == StateConnected {
		s.log.Info("disconnected", zap.String("port", s.cfg.Port))
	}
	return nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (s *Serial) current() (serialPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.State() != StateConnected {
		return nil, wire.ErrNotConnected
	}
	return s.port, nil
}

// fill polls the port in slices of at most timing.poll until pending holds
// n bytes, the deadline passes or ctx is done.
func (s *Serial) fill(ctx context.Context, port serialPort, n int, deadline time.Time) error {
	for {
		s.ioMu.Lock()
		got := len(s.pending)
		s.ioMu.Unlock()
		if got >= n {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Timeoutf("serial: read %d bytes (got %d)", n, got)
		}
		slice := min(s.timing.poll, remaining)

		buf := make([]byte, n-got)
		s.ioMu.Lock()
		err := port.SetReadTimeout(slice)
		var k int
		if err == nil {
			k, err = port.Read(buf)
		}
		s.pending = append(s.pending, buf[:k]...)
		s.ioMu.Unlock()
		if err != nil {
			return wire.Connectionf("serial: read: %w", err)
		}
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
