package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impuls42/ats-mini/internal/wire"
)

type fakePeripheral struct {
	mu           sync.Mutex
	mtu          int
	mtuErr       error
	writes       [][]byte
	writeTimes   []time.Time
	onData       func([]byte)
	onDisconnect func()
	unsubscribed bool
	disconnected bool
}

func (p *fakePeripheral) Subscribe(uuid string, onData func([]byte)) error {
	if uuid != NUSTXCharUUID {
		return errors.New("unexpected characteristic")
	}
	p.mu.Lock()
	p.onData = onData
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Unsubscribe(string) error {
	p.mu.Lock()
	p.unsubscribed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) WriteWithoutResponse(_ context.Context, uuid string, data []byte) error {
	if uuid != NUSRXCharUUID {
		return errors.New("unexpected characteristic")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.writeTimes = append(p.writeTimes, time.Now())
	return nil
}

func (p *fakePeripheral) MTU() (int, error) { return p.mtu, p.mtuErr }

func (p *fakePeripheral) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	return nil
}

// notify delivers one notification the way a BLE stack would: from its own goroutine.
func (p *fakePeripheral) notify(data []byte) {
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	fn(data)
}

func (p *fakePeripheral) drop() {
	p.mu.Lock()
	fn := p.onDisconnect
	p.mu.Unlock()
	fn()
}

func (p *fakePeripheral) recorded() ([][]byte, []time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes, p.writeTimes
}

type fakeCentral struct {
	periph  *fakePeripheral
	err     error
	gotName string
}

func (c *fakeCentral) Connect(_ context.Context, name string, _ time.Duration) (BLEPeripheral, error) {
	c.gotName = name
	if c.err != nil {
		return nil, c.err
	}
	return c.periph, nil
}

func newTestBLE(t *testing.T, p *fakePeripheral) *BLE {
	t.Helper()
	b := NewBLE(BLEConfig{}, &fakeCentral{periph: p}, nil)
	b.timing = bleTiming{pacing: 3 * time.Millisecond}
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBLEConnectUsesDefaultName(t *testing.T) {
	central := &fakeCentral{periph: &fakePeripheral{mtu: 247}}
	b := NewBLE(BLEConfig{}, central, nil)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	assert.Equal(t, DefaultBLEName, central.gotName)
	assert.Equal(t, 247, b.MTU())
	assert.Equal(t, StateConnected, b.State())
}

func TestBLEConnectNotFound(t *testing.T) {
	central := &fakeCentral{err: errors.New("device \"ATS-Mini\" not found after 10s scan")}
	b := NewBLE(BLEConfig{}, central, nil)
	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.Equal(t, StateUnconnected, b.State())
}

func TestBLEMTUFallback(t *testing.T) {
	b := newTestBLE(t, &fakePeripheral{mtuErr: errors.New("MTU property not supported")})
	assert.Equal(t, DefaultMTU, b.MTU())
}

func TestBLEWriteFrameChunksByMTU(t *testing.T) {
	cases := []struct {
		mtu, frameLen, chunks int
	}{
		{mtu: 23, frameLen: 45, chunks: 3},
		{mtu: 23, frameLen: 20, chunks: 1},
		{mtu: 23, frameLen: 21, chunks: 2},
		{mtu: 185, frameLen: 1000, chunks: 6},
	}
	for _, tc := range cases {
		p := &fakePeripheral{mtu: tc.mtu}
		b := newTestBLE(t, p)
		frame := bytes.Repeat([]byte{0x5a}, tc.frameLen)
		frame[0] = 0x01

		start := time.Now()
		require.NoError(t, b.WriteFrame(context.Background(), frame))
		elapsed := time.Since(start)

		writes, _ := p.recorded()
		require.Len(t, writes, tc.chunks, "mtu %d len %d", tc.mtu, tc.frameLen)
		for _, w := range writes {
			assert.LessOrEqual(t, len(w), tc.mtu-3)
		}
		assert.Equal(t, frame, bytes.Join(writes, nil))
		assert.GreaterOrEqual(t, elapsed, time.Duration(tc.chunks-1)*b.timing.pacing,
			"pacing between %d chunks", tc.chunks)
	}
}

func TestBLESwitchMode(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)
	require.NoError(t, b.SwitchMode(context.Background()))
	writes, _ := p.recorded()
	assert.Equal(t, [][]byte{{wire.SwitchByte}}, writes)
}

func TestBLEReadFrameReassemblesNotifications(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)

	first := wire.EncodeFrame([]byte("first frame payload"))
	second := wire.EncodeFrame([]byte("second"))
	stream := append(append([]byte(nil), first...), second...)

	// Split so that one notification carries the tail of the first frame and
	// the header of the second.
	cut1, cut2 := 2, len(first)-3
	cut3 := len(first) + wire.HeaderSize + 1
	go func() {
		for _, part := range [][]byte{stream[:cut1], stream[cut1:cut2], stream[cut2:cut3], stream[cut3:]} {
			p.notify(part)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	got, err := b.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = b.ReadFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestBLEReadFrameTwoFramesInOneNotification(t *testing.T) {
	p := &fakePeripheral{mtu: 517}
	b := newTestBLE(t, p)

	first := wire.EncodeFrame([]byte{1, 2, 3})
	second := wire.EncodeFrame([]byte{4})
	p.notify(append(append([]byte(nil), first...), second...))

	got, err := b.ReadFrame(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = b.ReadFrame(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestBLEReadFrameTimeout(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)

	_, err := b.ReadFrame(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimeout)

	frame := wire.EncodeFrame([]byte("partial"))
	p.notify(frame[:6])
	_, err = b.ReadFrame(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimeout)

	// The partial bytes are kept for the next read.
	p.notify(frame[6:])
	got, err := b.ReadFrame(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestBLEReadFrameFlushesInvalidLength(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)

	p.notify([]byte{0x00, 0x00, 0x00, 0x00, 0x99})
	_, err := b.ReadFrame(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrFrame)

	frame := wire.EncodeFrame([]byte("resynced"))
	p.notify(frame)
	got, err := b.ReadFrame(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestBLEDisconnectFailsIO(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)

	errc := make(chan error, 1)
	go func() {
		_, err := b.ReadFrame(context.Background(), 5*time.Second)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.drop()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, wire.ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("pending read was not woken by disconnect")
	}
	assert.Equal(t, StateLost, b.State())
	assert.ErrorIs(t, b.WriteFrame(context.Background(), []byte{1}), wire.ErrConnection)
	_, err := b.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrConnection)
}

func TestBLECloseIsIdempotent(t *testing.T) {
	p := &fakePeripheral{mtu: 23}
	b := newTestBLE(t, p)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, p.unsubscribed)
	assert.True(t, p.disconnected)
	assert.Equal(t, StateClosed, b.State())

	_, err := b.ReadFrame(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrNotConnected)
}
