// Package history persists plugin lifecycle events in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS plugin_events (
	id         TEXT PRIMARY KEY,
	plugin_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plugin_events_plugin
	ON plugin_events (plugin_id, created_at);
`

// Event is one recorded lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"plugin_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List results.
type Filter struct {
	PluginID string
	Action   string
	Limit    int
	Offset   int
}

// Store persists events in a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and ensures the
// events table exists. The caller is responsible for calling Close.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Record appends one event for the plugin.
func (s *Store) Record(ctx context.Context, pluginID, action, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_events (id, plugin_id, action, detail, created_at)
		VALUES (?,?,?,?,?)`,
		uuid.NewString(), pluginID, action, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Event, error) {
	q := strings.Builder{}
	q.WriteString("SELECT id, plugin_id, action, detail, created_at FROM plugin_events WHERE 1=1")
	args := []any{}

	if filter.PluginID != "" {
		q.WriteString(" AND plugin_id=?")
		args = append(args, filter.PluginID)
	}
	if filter.Action != "" {
		q.WriteString(" AND action=?")
		args = append(args, filter.Action)
	}
	q.WriteString(" ORDER BY created_at DESC, id")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PluginID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
