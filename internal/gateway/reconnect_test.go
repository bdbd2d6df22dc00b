package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/config"
	"github.com/impuls42/ats-mini/internal/transport"
	"github.com/impuls42/ats-mini/internal/transport/transporttest"
	"github.com/impuls42/ats-mini/internal/wire"
)

func TestRunReconnects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.SubscribeStats = false
	cfg.Store.Record = false

	var attempts atomic.Int32
	g := New(cfg, nil, WithTransportFactory(func(*config.Config, *zap.Logger) (transport.Transport, error) {
		dev := transporttest.NewDevice()
		if attempts.Add(1) < 3 {
			dev.ConnectErr = wire.Connectionf("port busy")
		}
		return dev, nil
	}))
	g.initialBackoff = 5 * time.Millisecond
	g.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	select {
	case <-g.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	assert.Equal(t, int32(3), attempts.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunGivesUpOnOtherErrors(t *testing.T) {
	cfg := testConfig(t)
	g := New(cfg, nil, WithTransportFactory(func(*config.Config, *zap.Logger) (transport.Transport, error) {
		return nil, errors.New("unsupported")
	}))
	err := g.Run(context.Background())
	assert.ErrorContains(t, err, "unsupported")
}

func TestRunWithoutReconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Reconnect = false
	var attempts atomic.Int32
	g := New(cfg, nil, WithTransportFactory(func(*config.Config, *zap.Logger) (transport.Transport, error) {
		attempts.Add(1)
		dev := transporttest.NewDevice()
		dev.ConnectErr = wire.Connectionf("port busy")
		return dev, nil
	}))
	require.ErrorIs(t, g.Run(context.Background()), wire.ErrConnection)
	assert.Equal(t, int32(1), attempts.Load())
}
