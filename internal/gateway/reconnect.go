package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
)

// Run is Start with reconnection: when the device link fails or is lost,
// the whole session is rebuilt after an exponential backoff. Other failures
// (bad listen address, unusable database) end Run. Without
// config.Gateway.Reconnect, Run is Start.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.cfg.Gateway.Reconnect {
		return g.Start(ctx)
	}

	backoff := g.initialBackoff
	for {
		started := time.Now()
		err := g.Start(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || !retryable(err) {
			return err
		}

		// A session that lasted longer than the ceiling counts as recovered.
		if time.Since(started) > g.maxBackoff {
			backoff = g.initialBackoff
		}
		g.log.Warn("device link failed, reconnecting",
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff = min(backoff*2, g.maxBackoff)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, wire.ErrConnection) || errors.Is(err, wire.ErrTimeout)
}
