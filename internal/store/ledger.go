// ABOUTME: SQLite transcript ledger using modernc.org/sqlite.
// ABOUTME: Append-only record of relayed events for audit; never the source of conversation state.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EventDirection indicates whether an event flowed into or out of the relay.
type EventDirection string

const (
	DirectionInbound  EventDirection = "inbound"
	DirectionOutbound EventDirection = "outbound"
)

// LedgerEvent is one relayed message as recorded for audit. Conversation
// state lives in memory; this table is write-mostly history.
type LedgerEvent struct {
	ID        string
	Channel   string
	ThreadTS  string
	Direction EventDirection
	Author    string
	Text      string
	Timestamp time.Time
}

// Ledger is the SQLite-backed transcript store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger opens (or creates) the ledger database at path. Parent
// directories are created if needed; ":memory:" is supported for tests.
func NewLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("transcript ledger initialized", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger_events (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			thread_ts TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_channel
			ON ledger_events(channel, timestamp);
	`
	_, err := l.db.Exec(schema)
	return err
}

// SaveEvent appends one event to the ledger.
func (l *Ledger) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, channel, thread_ts, direction, author, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Channel, event.ThreadTS, string(event.Direction),
		event.Author, event.Text, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving ledger event: %w", err)
	}
	return nil
}

// EventsByChannel returns up to limit most recent events for a channel in
// chronological order.
func (l *Ledger) EventsByChannel(ctx context.Context, channel string, limit int) ([]*LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, channel, thread_ts, direction, author, text, timestamp
		FROM (
			SELECT * FROM ledger_events
			WHERE channel = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger events: %w", err)
	}
	defer rows.Close()

	var events []*LedgerEvent
	for rows.Next() {
		var e LedgerEvent
		var direction string
		if err := rows.Scan(&e.ID, &e.Channel, &e.ThreadTS, &direction, &e.Author, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning ledger event: %w", err)
		}
		e.Direction = EventDirection(direction)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
