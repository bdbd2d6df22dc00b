// Package recorder persists device events from the event bus into the store.
package recorder

import (
	"context"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/monitor"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/store"
)

// Recorder writes every event to the events table and every stats event to
// the stats table as well. Stream chunks are not recorded; their done event is.
type Recorder struct {
	db  *store.DB
	log *zap.Logger
}

// New creates a Recorder. Call Start to begin recording.
func New(db *store.DB, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, log: log.Named("recorder")}
}

// Start records events from ch; blocks until ctx is done or ch closes.
func (r *Recorder) Start(ctx context.Context, ch <-chan monitor.Event) error {
	r.log.Info("recorder starting")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("recorder stopped")
			return nil
		case ev, ok := <-ch:
			if !ok {
				r.log.Info("recorder stopped")
				return nil
			}
			r.Record(ctx, ev)
		}
	}
}

// Record persists one event. Storage failures are logged, not returned: a
// full disk must not take the link down.
func (r *Recorder) Record(ctx context.Context, ev monitor.Event) {
	msg := ev.Message()
	if rpc.IsStreamChunk(msg) {
		return
	}
	if _, err := r.db.InsertEvent(ctx, ev.Name, ev.Seq, ev.Params, ev.ReceivedAt); err != nil {
		r.log.Error("record event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	if ev.Name != radio.StatsEvent {
		return
	}

	s, err := radio.ParseStats(msg)
	if err != nil {
		r.log.Warn("record stats: bad payload", zap.Uint64("seq", ev.Seq), zap.Error(err))
		return
	}
	row := &store.Stats{
		Seq:        s.Seq,
		Frequency:  s.Frequency,
		Band:       s.Band,
		Mode:       s.Mode,
		Volume:     s.Volume,
		RSSI:       s.RSSI,
		SNR:        s.SNR,
		Voltage:    s.Voltage,
		ReceivedAt: ev.ReceivedAt,
	}
	if _, err := r.db.InsertStats(ctx, row); err != nil {
		r.log.Error("record stats", zap.Error(err), zap.Uint64("seq", s.Seq))
	}
}
