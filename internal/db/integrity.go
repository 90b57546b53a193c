package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntegrityEvent records a detected change to protected auth state.
type IntegrityEvent struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"ts"`
	Path   string    `json:"path"`
	Detail string    `json:"detail"`
}

// InsertIntegrityEvent stores ev.
func (db *DB) InsertIntegrityEvent(ev *IntegrityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Time = ev.Time.UTC().Truncate(time.Second)
	_, err := db.Exec(`INSERT INTO integrity_events (id, ts, path, detail) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Time.Unix(), ev.Path, ev.Detail)
	if err != nil {
		return fmt.Errorf("inserting integrity event: %w", err)
	}
	return nil
}

// ListIntegrityEvents returns the newest events first.
func (db *DB) ListIntegrityEvents(limit int) ([]*IntegrityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT id, ts, path, detail FROM integrity_events ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying integrity events: %w", err)
	}
	defer rows.Close()

	var events []*IntegrityEvent
	for rows.Next() {
		var (
			ev IntegrityEvent
			ts int64
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Path, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scanning integrity event: %w", err)
		}
		ev.Time = time.Unix(ts, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}
