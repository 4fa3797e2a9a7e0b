package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

var (
	ErrMissingDetector = errors.New("feedback: detector is required")
	ErrUnknownLabel    = errors.New("feedback: unknown label")
)

// PostgresStore persists events in a single append-only table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the table exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback_events (
			id         TEXT PRIMARY KEY,
			detector   TEXT NOT NULL,
			label      TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			notes      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS feedback_events_detector_ts
			ON feedback_events (detector, ts)`)
	if err != nil {
		return fmt.Errorf("migrate feedback_events: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_events (id, detector, label, ts, notes) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Detector, string(ev.Label), ev.Timestamp, ev.Notes)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, detector string, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, detector, label, ts, notes FROM feedback_events
		 WHERE detector = $1 AND ts >= $2 ORDER BY ts`,
		detector, since)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var label string
		if err := rows.Scan(&ev.ID, &ev.Detector, &label, &ev.Timestamp, &ev.Notes); err != nil {
			return nil, err
		}
		ev.Label = Label(label)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Detectors(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT detector FROM feedback_events WHERE ts >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("query detectors: %w", err)
	}
	defer rows.Close()

	var detectors []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	return detectors, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// MemoryStore keeps events in-process. Used in tests and when no DSN is
// configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, detector string, since time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Detector == detector && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Detectors(_ context.Context, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, ev := range m.events {
		if ev.Timestamp.Before(since) || seen[ev.Detector] {
			continue
		}
		seen[ev.Detector] = true
		out = append(out, ev.Detector)
	}
	return out, nil
}
