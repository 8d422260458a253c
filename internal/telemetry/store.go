package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists telemetry events to a sqlite database, grounded on
// internal/storage/db.go's open/pragma/migrate shape (same driver, same
// WAL + busy_timeout pragmas), narrowed to a single append-only table.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates telemetry.db inside dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create data dir: %w", err)
	}
	path := filepath.Join(dir, "telemetry.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			kind             TEXT NOT NULL,
			track_id         TEXT NOT NULL,
			presentation_tau REAL DEFAULT 0,
			now_tau          REAL DEFAULT 0,
			queue_len        INTEGER DEFAULT 0,
			occurred_at      DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create events table: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert appends one event.
func (s *Store) Insert(evt Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (kind, track_id, presentation_tau, now_tau, queue_len, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(evt.Kind), evt.TrackID, evt.PresentationTau, evt.Now, evt.QueueLen, evt.OccurredAt,
	)
	return err
}

// Recent returns up to limit most recently inserted events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT kind, track_id, presentation_tau, now_tau, queue_len, occurred_at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var kind string
		var occurredAt time.Time
		if err := rows.Scan(&kind, &evt.TrackID, &evt.PresentationTau, &evt.Now, &evt.QueueLen, &occurredAt); err != nil {
			return nil, err
		}
		evt.Kind = Kind(kind)
		evt.OccurredAt = occurredAt
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
