package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/impuls42/ats-mini/internal/wire"
)

// fakePort is an in-memory serial.Port. Read returns at most maxRead bytes
// and behaves like a driver read timeout when nothing is buffered.
type fakePort struct {
	mu          sync.Mutex
	rx          []byte
	tx          []byte
	maxRead     int
	readTimeout time.Duration
	dtr, rts    bool
	resets      int
	drains      int
	closed      bool
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, b...)
	p.mu.Unlock()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.rx) == 0 {
		wait := p.readTimeout
		p.mu.Unlock()
		time.Sleep(wait)
		return 0, nil
	}
	n := len(b)
	if p.maxRead > 0 && n > p.maxRead {
		n = p.maxRead
	}
	n = copy(b[:n], p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	p.tx = append(p.tx, b...)
	return len(b), nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	p.drains++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetDTR(v bool) error { p.mu.Lock(); p.dtr = v; p.mu.Unlock(); return nil }
func (p *fakePort) SetRTS(v bool) error { p.mu.Lock(); p.rts = v; p.mu.Unlock(); return nil }

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) snapshot() (rx, tx []byte, resets, drains int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.rx...), append([]byte(nil), p.tx...), p.resets, p.drains
}

func newTestSerial(t *testing.T, port *fakePort) (*Serial, *serial.Mode) {
	t.Helper()
	var gotMode serial.Mode
	s := NewSerial(SerialConfig{Port: "/dev/ttyFAKE"}, nil)
	s.timing = serialTiming{poll: 5 * time.Millisecond}
	s.open = func(path string, mode *serial.Mode) (serialPort, error) {
		assert.Equal(t, "/dev/ttyFAKE", path)
		gotMode = *mode
		return port, nil
	}
	t.Cleanup(func() { s.Close() })
	return s, &gotMode
}

func TestSerialConnectAssertsDTRAndFlushes(t *testing.T) {
	port := &fakePort{rx: []byte("ESP-ROM boot noise")}
	s, mode := newTestSerial(t, port)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)
	require.NotNil(t, mode.InitialStatusBits)
	assert.True(t, mode.InitialStatusBits.DTR)
	assert.False(t, mode.InitialStatusBits.RTS)
	assert.True(t, port.dtr)
	assert.False(t, port.rts)

	rx, _, resets, _ := port.snapshot()
	assert.Empty(t, rx)
	assert.Equal(t, 1, resets)
}

func TestSerialConnectOpenFailure(t *testing.T) {
	s := NewSerial(SerialConfig{Port: "/dev/ttyNONE"}, nil)
	s.open = func(string, *serial.Mode) (serialPort, error) {
		return nil, errors.New("no such file or directory")
	}
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.Equal(t, StateUnconnected, s.State())
}

func TestSerialSwitchMode(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	port.feed([]byte("Volume: 35\r\n"))
	require.NoError(t, s.SwitchMode(context.Background()))

	rx, tx, resets, drains := port.snapshot()
	assert.Equal(t, []byte{wire.SwitchByte}, tx)
	assert.Empty(t, rx, "text-mode output is discarded")
	assert.Equal(t, 2, resets)
	assert.Equal(t, 1, drains)
}

func TestSerialWriteFrame(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	frame := wire.EncodeFrame([]byte{0xa1, 0x61, 0x78, 0x01})
	require.NoError(t, s.WriteFrame(context.Background(), frame))
	_, tx, _, drains := port.snapshot()
	assert.Equal(t, frame, tx)
	assert.Equal(t, 1, drains)
}

func TestSerialReadFrameAssemblesPartialReads(t *testing.T) {
	port := &fakePort{maxRead: 3}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	first := wire.EncodeFrame([]byte("first payload"))
	second := wire.EncodeFrame([]byte("second"))
	port.feed(append(append([]byte(nil), first...), second...))

	got, err := s.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = s.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSerialReadFrameWaitsForLateBytes(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	frame := wire.EncodeFrame([]byte("late"))
	go func() {
		port.feed(frame[:2])
		time.Sleep(20 * time.Millisecond)
		port.feed(frame[2:])
	}()

	got, err := s.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestSerialReadFrameResyncsOnInvalidLength(t *testing.T) {
	cases := map[string][]byte{
		"zero":          {0x00, 0x00, 0x00, 0x00, 0xde, 0xad},
		"over ceiling":  {0x00, 0x0f, 0x42, 0x41, 0xbe, 0xef},
		"bare cbor map": {0xa3, 0x62, 0x69, 0x64, 0x01, 0x02},
	}
	for name, garbage := range cases {
		t.Run(name, func(t *testing.T) {
			port := &fakePort{}
			s, _ := newTestSerial(t, port)
			require.NoError(t, s.Connect(context.Background()))
			port.feed(garbage)

			start := time.Now()
			_, err := s.ReadFrame(context.Background(), 2*time.Second)
			assert.ErrorIs(t, err, wire.ErrFrame)
			assert.Less(t, time.Since(start), time.Second, "must not wait for a bogus payload")

			rx, _, resets, _ := port.snapshot()
			assert.Empty(t, rx, "buffered input is flushed")
			assert.Equal(t, 2, resets)

			frame := wire.EncodeFrame([]byte("ok"))
			port.feed(frame)
			got, err := s.ReadFrame(context.Background(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, frame, got)
		})
	}
}

func TestSerialReadFrameTimeout(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	port.feed([]byte{0x00, 0x00, 0x00, 0x10, 0x01})
	_, err := s.ReadFrame(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimeout)
}

func TestSerialReadFrameResumesAfterTimeout(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	first := wire.EncodeFrame([]byte("hello"))
	second := wire.EncodeFrame([]byte("world"))
	port.feed(first[:6])
	_, err := s.ReadFrame(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, wire.ErrTimeout)

	port.feed(first[6:])
	port.feed(second)
	got, err := s.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = s.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, _, resets, _ := port.snapshot()
	assert.Equal(t, 1, resets, "no resync flush")
}

func TestSerialReadFrameContextCancel(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := s.ReadFrame(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, s.State(), "cancellation leaves the transport open")
}

func TestSerialIOOutsideConnection(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSerial(t, port)

	_, err := s.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrNotConnected)
	assert.ErrorIs(t, s.WriteFrame(context.Background(), []byte{0}), wire.ErrConnection)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	_, err = s.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.ErrorIs(t, s.Connect(context.Background()), wire.ErrConnection)
}
