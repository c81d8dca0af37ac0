// ABOUTME: SQLite implementation of the Journal interface using modernc.org/sqlite
// ABOUTME: Also acts as a dispatch tap and session call observer

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/session"
)

const timeLayout = time.RFC3339Nano

// SQLiteJournal implements Journal using SQLite
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteJournal opens (or creates) the journal at path.
// Parent directories are created if needed. A nil logger means slog.Default().
func NewSQLiteJournal(path string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// Handlers write concurrently; a single connection serializes them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal initialized", "path", path)
	return j, nil
}

func (j *SQLiteJournal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			channel TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_kind
			ON notifications(kind, id);

		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			sub_command TEXT NOT NULL DEFAULT '',
			sync_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordNotification appends a notification.
func (j *SQLiteJournal) RecordNotification(ctx context.Context, n Notification) error {
	if n.Received.IsZero() {
		n.Received = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO notifications (kind, channel, payload, received_at) VALUES (?, ?, ?, ?)`,
		n.Kind, n.Channel, string(n.Payload), n.Received.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("recording notification: %w", err)
	}
	return nil
}

// RecordCall appends a command outcome.
func (j *SQLiteJournal) RecordCall(ctx context.Context, c Call) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO calls (command, sub_command, sync_id, started_at, duration_ns, error) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Command, c.SubCommand, c.SyncID, c.Started.UTC().Format(timeLayout), int64(c.Duration), c.Error)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

// Recent returns up to limit notifications newest-first.
func (j *SQLiteJournal) Recent(ctx context.Context, kind string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, channel, payload, received_at FROM notifications`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n        Notification
			payload  string
			received string
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Channel, &payload, &received); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Payload = []byte(payload)
		if n.Received, err = time.Parse(timeLayout, received); err != nil {
			return nil, fmt.Errorf("parsing received time: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentCalls returns up to limit command outcomes newest-first.
func (j *SQLiteJournal) RecentCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, command, sub_command, sync_id, started_at, duration_ns, error
		 FROM calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var (
			c        Call
			started  string
			duration int64
		)
		if err := rows.Scan(&c.ID, &c.Command, &c.SubCommand, &c.SyncID, &started, &duration, &c.Error); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		if c.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing start time: %w", err)
		}
		c.Duration = time.Duration(duration)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Name identifies the journal as a dispatch tap.
func (j *SQLiteJournal) Name() string { return "journal" }

// Observe journals a dispatched notification.
func (j *SQLiteJournal) Observe(ctx context.Context, n dispatch.Notification) error {
	return j.RecordNotification(ctx, Notification{
		Kind:     n.Kind,
		Channel:  n.Channel,
		Payload:  n.Payload,
		Received: n.Received,
	})
}

// ObserveCall journals a command outcome. Failures are logged only.
func (j *SQLiteJournal) ObserveCall(rec session.CallRecord) {
	c := Call{
		Command:    rec.Command,
		SubCommand: rec.SubCommand,
		SyncID:     rec.SyncID,
		Started:    rec.Started,
		Duration:   rec.Duration,
	}
	if rec.Err != nil {
		c.Error = rec.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.RecordCall(ctx, c); err != nil {
		j.logger.Warn("journal write failed", "command", rec.Command, "error", err)
	}
}
