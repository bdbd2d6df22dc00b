// Package state keeps the live view of the radio: the latest stats sample
// and per-event counters. It is fed from the event bus and hydrated from the
// store on start.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/monitor"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/store"
)

// Snapshot is a copy of the manager's state.
type Snapshot struct {
	Stats        *radio.Stats      `json:"stats,omitempty"`
	StatsAt      time.Time         `json:"stats_at,omitempty"`
	Events       map[string]uint64 `json:"events"`
	LastEventAt  time.Time         `json:"last_event_at,omitempty"`
	LastEventSeq uint64            `json:"last_event_seq,omitempty"`
}

// Manager holds the runtime state.
// All exported methods are safe for concurrent use.
type Manager struct {
	log *zap.Logger

	mu      sync.RWMutex
	stats   *radio.Stats
	statsAt time.Time
	counts  map[string]uint64
	lastAt  time.Time
	lastSeq uint64
}

// New creates a Manager and hydrates the latest stats from db. db may be nil.
func New(ctx context.Context, db *store.DB, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log.Named("state"), counts: make(map[string]uint64)}
	if db == nil {
		return m, nil
	}
	row, err := db.LatestStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: load stats: %w", err)
	}
	if row != nil {
		m.stats = &radio.Stats{
			Seq:       row.Seq,
			Frequency: row.Frequency,
			Band:      row.Band,
			Mode:      row.Mode,
			Volume:    row.Volume,
			RSSI:      row.RSSI,
			SNR:       row.SNR,
			Voltage:   row.Voltage,
		}
		m.statsAt = row.ReceivedAt
	}
	return m, nil
}

// Observe applies one event.
func (m *Manager) Observe(ev monitor.Event) {
	var stats *radio.Stats
	if ev.Name == radio.StatsEvent {
		s, err := radio.ParseStats(ev.Message())
		if err != nil {
			m.log.Warn("bad stats event", zap.Uint64("seq", ev.Seq), zap.Error(err))
		} else {
			stats = s
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[ev.Name]++
	m.lastAt = ev.ReceivedAt
	if ev.Seq != 0 {
		m.lastSeq = ev.Seq
	}
	if stats != nil {
		m.stats = stats
		m.statsAt = ev.ReceivedAt
	}
}

// Run applies events from ch until it closes or ctx is done.
func (m *Manager) Run(ctx context.Context, ch <-chan monitor.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if rpc.IsStreamChunk(ev.Message()) {
				continue
			}
			m.Observe(ev)
		}
	}
}

// Stats returns a copy of the latest stats sample.
func (m *Manager) Stats() (radio.Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stats == nil {
		return radio.Stats{}, false
	}
	return *m.stats, true
}

// Snapshot returns a copy of the whole state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		StatsAt:      m.statsAt,
		Events:       make(map[string]uint64, len(m.counts)),
		LastEventAt:  m.lastAt,
		LastEventSeq: m.lastSeq,
	}
	if m.stats != nil {
		st := *m.stats
		s.Stats = &st
	}
	for k, v := range m.counts {
		s.Events[k] = v
	}
	return s
}
