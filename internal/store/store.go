// Package store manages the SQLite database (WAL mode) that records device
// events and stats history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DefaultLimit caps list queries when the caller passes no limit.
const DefaultLimit = 100

// MaxLimit is the largest limit list queries accept.
const MaxLimit = 10000

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Event is one recorded device event.
type Event struct {
	ID         int64           `json:"id"`
	Name       string          `json:"event"`
	Seq        uint64          `json:"seq"`
	Params     json.RawMessage `json:"params"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Stats is one recorded stats sample.
type Stats struct {
	ID         int64     `json:"id"`
	Seq        uint64    `json:"seq"`
	Frequency  int64     `json:"frequency"`
	Band       string    `json:"band"`
	Mode       string    `json:"mode"`
	Volume     int64     `json:"volume"`
	RSSI       int64     `json:"rssi"`
	SNR        int64     `json:"snr"`
	Voltage    float64   `json:"voltage"`
	ReceivedAt time.Time `json:"received_at"`
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlEvents,
		ddlStats,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── Events ────────────────────────────────────────────────────────────────

// InsertEvent records an event and returns its row id. params is stored as JSON.
func (db *DB) InsertEvent(ctx context.Context, name string, seq uint64, params map[string]any, at time.Time) (int64, error) {
	if name == "" {
		return 0, errors.New("store: event name must not be empty")
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("store: encode params of %s: %w", name, err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO events (name, seq, params_json, received_at) VALUES (?, ?, ?, ?)`,
		name, int64(seq), string(raw), at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	return res.LastInsertId()
}

// ListEvents returns up to limit events, newest first. name filters by event
// name when non-empty.
func (db *DB) ListEvents(ctx context.Context, name string, limit int) ([]*Event, error) {
	q := `SELECT id, name, seq, params_json, received_at FROM events`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clamp(limit))

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	out := []*Event{}
	for rows.Next() {
		var (
			e      Event
			seq    int64
			params string
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &seq, &params, &at); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Params = json.RawMessage(params)
		e.ReceivedAt = time.UnixMilli(at).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ── Stats ─────────────────────────────────────────────────────────────────

// InsertStats records a stats sample and returns its row id.
func (db *DB) InsertStats(ctx context.Context, s *Stats) (int64, error) {
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO stats (seq, frequency, band, mode, volume, rssi, snr, voltage, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(s.Seq), s.Frequency, s.Band, s.Mode, s.Volume, s.RSSI, s.SNR, s.Voltage,
		s.ReceivedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: insert stats: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		s.ID = id
	}
	return id, err
}

// ListStats returns up to limit samples, newest first.
func (db *DB) ListStats(ctx context.Context, limit int) ([]*Stats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, seq, frequency, band, mode, volume, rssi, snr, voltage, received_at
		FROM stats ORDER BY id DESC LIMIT ?`, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list stats: %w", err)
	}
	defer rows.Close()

	out := []*Stats{}
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestStats returns the newest sample, or nil when none is recorded.
func (db *DB) LatestStats(ctx context.Context) (*Stats, error) {
	list, err := db.ListStats(ctx, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ── internal ──────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (*Stats, error) {
	var (
		s   Stats
		seq int64
		at  int64
	)
	if err := row.Scan(&s.ID, &seq, &s.Frequency, &s.Band, &s.Mode, &s.Volume, &s.RSSI, &s.SNR, &s.Voltage, &at); err != nil {
		return nil, err
	}
	s.Seq = uint64(seq)
	s.ReceivedAt = time.UnixMilli(at).UTC()
	return &s, nil
}

func clamp(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT    NOT NULL,          -- e.g. "stats", "screen.done"
    seq         INTEGER NOT NULL DEFAULT 0, -- device event counter
    params_json TEXT    NOT NULL DEFAULT '{}',
    received_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_events_name ON events (name, id DESC);
`

const ddlStats = `
CREATE TABLE IF NOT EXISTS stats (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    seq         INTEGER NOT NULL DEFAULT 0,
    frequency   INTEGER NOT NULL DEFAULT 0,
    band        TEXT    NOT NULL DEFAULT '',
    mode        TEXT    NOT NULL DEFAULT '',
    volume      INTEGER NOT NULL DEFAULT 0,
    rssi        INTEGER NOT NULL DEFAULT 0,
    snr         INTEGER NOT NULL DEFAULT 0,
    voltage     REAL    NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_stats_received_at ON stats (received_at DESC);
`
