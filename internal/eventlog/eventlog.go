// Package eventlog records the lifecycle audit trail (creates, starts,
// stops, failures, credential and certificate changes) in a local SQLite
// database. Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event types recorded by the manager.
const (
	TypeCreated        = "created"
	TypeUpdated        = "updated"
	TypeDeleted        = "deleted"
	TypeStarted        = "started"
	TypeStopped        = "stopped"
	TypeStartFailed    = "start_failed"
	TypeUnexpectedExit = "unexpected_exit"
	TypeUserAdded      = "user_added"
	TypeUserRemoved    = "user_removed"
	TypeCertRenewed    = "cert_renewed"
	TypeCertExpiring   = "cert_expiring"
)

// Event is one audit entry. Instance is empty for fleet-level events.
type Event struct {
	ID       string    `json:"id"`
	Instance string    `json:"instance,omitempty"`
	Type     string    `json:"type"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Log wraps the SQLite event database.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the event database at the given path.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}

	// WAL keeps appends from blocking the list endpoint.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id       TEXT PRIMARY KEY,
			instance TEXT NOT NULL DEFAULT '',
			type     TEXT NOT NULL,
			detail   TEXT NOT NULL DEFAULT '',
			at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at)
	`)
	return err
}

// Append records one event. The ID and timestamp are assigned here. The
// timestamp is stored as Unix nanoseconds so ordering and pruning compare
// numerically.
func (l *Log) Append(instanceName, eventType, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO events (id, instance, type, detail, at) VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), instanceName, eventType, detail, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first. An empty instanceName
// matches all instances; limit <= 0 means a default of 100.
func (l *Log) List(instanceName string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, instance, type, detail, at FROM events`
	args := []any{}
	if instanceName != "" {
		query += ` WHERE instance = ?`
		args = append(args, instanceName)
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Instance, &ev.Type, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.Unix(0, at).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window and returns the
// number removed.
func (l *Log) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := l.db.Exec(`DELETE FROM events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
