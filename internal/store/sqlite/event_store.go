// Package sqlite implements store.EventStore on an embedded SQLite database
// using the ncruces/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id               TEXT PRIMARY KEY,
	external_id      TEXT UNIQUE,
	calendar_id      TEXT NOT NULL,
	title            TEXT NOT NULL,
	start_ns         INTEGER NOT NULL,
	end_ns           INTEGER NOT NULL,
	all_day          INTEGER NOT NULL DEFAULT 0,
	location         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	recurrence_rule  TEXT NOT NULL DEFAULT '',
	last_modified_ns INTEGER NOT NULL DEFAULT 0,
	checksum         TEXT NOT NULL,
	sync_token       TEXT NOT NULL DEFAULT '',
	last_sync_ns     INTEGER NOT NULL DEFAULT 0,
	created_at_ns    INTEGER NOT NULL,
	updated_at_ns    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_calendar_start ON events(calendar_id, start_ns);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_ns);
`

const columns = `id, external_id, calendar_id, title, start_ns, end_ns, all_day, location,
	description, recurrence_rule, last_modified_ns, checksum, sync_token, last_sync_ns,
	created_at_ns, updated_at_ns`

var _ store.EventStore = (*EventStore)(nil)

// Config holds the SQLite store settings.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// MaxOpenConns bounds the connection pool.
	// Default: 20
	MaxOpenConns int

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 20
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("sqlite path is required")
	}
	return nil
}

// EventStore implements store.EventStore using SQLite.
type EventStore struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at cfg.Path and ensures the schema.
func Open(ctx context.Context, cfg Config) (*EventStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// pragmas in the DSN apply to every pooled connection
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(min(cfg.MaxOpenConns, 5))
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Int("max_conns", cfg.MaxOpenConns).Msg("Opened SQLite event store")

	return &EventStore{db: db, path: cfg.Path}, nil
}

func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *EventStore) GetByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM events WHERE external_id = ?`, externalID)
	return scanEvent(row)
}

func (s *EventStore) Upsert(ctx context.Context, ev *models.Event) error {
	now := store.Now()
	ev.SetContent(ev.EventData.Normalized())
	ev.UpdatedAt = now
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	var externalID any
	if ev.ExternalID != nil {
		externalID = *ev.ExternalID
	}

	var createdNs int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id      = excluded.external_id,
			calendar_id      = excluded.calendar_id,
			title            = excluded.title,
			start_ns         = excluded.start_ns,
			end_ns           = excluded.end_ns,
			all_day          = excluded.all_day,
			location         = excluded.location,
			description      = excluded.description,
			recurrence_rule  = excluded.recurrence_rule,
			last_modified_ns = excluded.last_modified_ns,
			checksum         = excluded.checksum,
			sync_token       = excluded.sync_token,
			last_sync_ns     = excluded.last_sync_ns,
			updated_at_ns    = excluded.updated_at_ns
		RETURNING created_at_ns`,
		ev.ID, externalID, ev.CalendarID, ev.Title,
		toNanos(ev.Start), toNanos(ev.End), ev.AllDay, ev.Location,
		ev.Description, ev.RecurrenceRule, toNanos(ev.LastModified), ev.Checksum,
		ev.SyncToken, toNanos(ev.LastSync), toNanos(ev.CreatedAt), toNanos(ev.UpdatedAt),
	).Scan(&createdNs)
	if err != nil {
		return mapSQLiteError("upsert_event", err)
	}

	ev.CreatedAt = fromNanos(createdNs)
	return nil
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return mapSQLiteError("delete_event", err)
	}
	return nil
}

func (s *EventStore) Query(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)

	if filter.CalendarID != "" {
		where = append(where, "calendar_id = ?")
		args = append(args, filter.CalendarID)
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id IN (?"+strings.Repeat(", ?", len(filter.IDs)-1)+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	// coarse range filter; recurring rows are expanded in Go
	if !filter.Range.End.IsZero() {
		where = append(where, "(recurrence_rule != '' OR start_ns < ?)")
		args = append(args, toNanos(filter.Range.End))
	}
	if !filter.Range.Start.IsZero() {
		where = append(where, "(recurrence_rule != '' OR end_ns >= ?)")
		args = append(args, toNanos(filter.Range.Start))
	}

	q := `SELECT ` + columns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_ns, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteError("query_events", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if store.Matches(ev, filter) {
			out = append(out, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("query_events", err)
	}

	return store.SortAndLimit(out, filter.Limit), nil
}

func (s *EventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, mapSQLiteError("count_events", err)
	}
	return n, nil
}

func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database.
func (s *EventStore) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to checkpoint WAL")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		ev                                models.Event
		externalID                        sql.NullString
		startNs, endNs, lastModNs, syncNs int64
		createdNs, updatedNs              int64
	)

	err := row.Scan(
		&ev.ID, &externalID, &ev.CalendarID, &ev.Title,
		&startNs, &endNs, &ev.AllDay, &ev.Location,
		&ev.Description, &ev.RecurrenceRule, &lastModNs, &ev.Checksum,
		&ev.SyncToken, &syncNs, &createdNs, &updatedNs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEventNotFound
		}
		return nil, mapSQLiteError("scan_event", err)
	}

	if externalID.Valid {
		id := externalID.String
		ev.ExternalID = &id
	}
	ev.Start = fromNanos(startNs)
	ev.End = fromNanos(endNs)
	ev.LastModified = fromNanos(lastModNs)
	ev.LastSync = fromNanos(syncNs)
	ev.CreatedAt = fromNanos(createdNs)
	ev.UpdatedAt = fromNanos(updatedNs)
	return &ev, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func mapSQLiteError(op string, err error) error {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE:
		return fmt.Errorf("%s: %w", op, store.ErrDuplicateExternalID)
	case serr.Code() == sqlite3.BUSY, serr.Code() == sqlite3.LOCKED:
		return syncerr.Transient(op, err)
	default:
		return fmt.Errorf("%s: sqlite error: %w", op, err)
	}
}
