// Package postgres implements store.EventStore on PostgreSQL using a pgx
// connection pool.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
)

const columns = `id, external_id, calendar_id, title, start_ns, end_ns, all_day, location,
	description, recurrence_rule, last_modified_ns, checksum, sync_token, last_sync,
	created_at, updated_at`

var _ store.EventStore = (*EventStore)(nil)

// EventStore implements store.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore connects, optionally migrates and returns a store. The store
// owns the pool and closes it in Close.
func NewEventStore(ctx context.Context, cfg *PoolConfig) (*EventStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &EventStore{pool: pool}, nil
}

func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, mapPostgresError("get_event", err)
	}
	return ev, nil
}

func (s *EventStore) GetByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM events WHERE external_id = $1`, externalID)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, mapPostgresError("get_event_by_external_id", err)
	}
	return ev, nil
}

func (s *EventStore) Upsert(ctx context.Context, ev *models.Event) error {
	now := store.Now()
	ev.SetContent(ev.EventData.Normalized())
	ev.UpdatedAt = now
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	var lastSync *time.Time
	if !ev.LastSync.IsZero() {
		lastSync = &ev.LastSync
	}

	var created time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			external_id      = EXCLUDED.external_id,
			calendar_id      = EXCLUDED.calendar_id,
			title            = EXCLUDED.title,
			start_ns         = EXCLUDED.start_ns,
			end_ns           = EXCLUDED.end_ns,
			all_day          = EXCLUDED.all_day,
			location         = EXCLUDED.location,
			description      = EXCLUDED.description,
			recurrence_rule  = EXCLUDED.recurrence_rule,
			last_modified_ns = EXCLUDED.last_modified_ns,
			checksum         = EXCLUDED.checksum,
			sync_token       = EXCLUDED.sync_token,
			last_sync        = EXCLUDED.last_sync,
			updated_at       = EXCLUDED.updated_at
		RETURNING created_at`,
		ev.ID, ev.ExternalID, ev.CalendarID, ev.Title,
		toNanos(ev.Start), toNanos(ev.End), ev.AllDay, ev.Location,
		ev.Description, ev.RecurrenceRule, toNanos(ev.LastModified), ev.Checksum,
		ev.SyncToken, lastSync, ev.CreatedAt, ev.UpdatedAt,
	).Scan(&created)
	if err != nil {
		return mapPostgresError("upsert_event", err)
	}

	ev.CreatedAt = created.UTC()
	return nil
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id); err != nil {
		return mapPostgresError("delete_event", err)
	}
	return nil
}

func (s *EventStore) Query(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.CalendarID != "" {
		where = append(where, "calendar_id = "+arg(filter.CalendarID))
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id = ANY("+arg(filter.IDs)+")")
	}
	// coarse range filter; recurring rows are expanded in Go
	if !filter.Range.End.IsZero() {
		where = append(where, "(recurrence_rule <> '' OR start_ns < "+arg(toNanos(filter.Range.End))+")")
	}
	if !filter.Range.Start.IsZero() {
		where = append(where, "(recurrence_rule <> '' OR end_ns >= "+arg(toNanos(filter.Range.Start))+")")
	}

	q := `SELECT ` + columns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_ns, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapPostgresError("query_events", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, mapPostgresError("query_events", err)
		}
		if store.Matches(ev, filter) {
			out = append(out, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError("query_events", err)
	}

	return store.SortAndLimit(out, filter.Limit), nil
}

func (s *EventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, mapPostgresError("count_events", err)
	}
	return n, nil
}

func (s *EventStore) Ping(ctx context.Context) error {
	return mapPostgresError("ping", s.pool.Ping(ctx))
}

func (s *EventStore) Close() error {
	log.Info().Msg("Closing PostgreSQL event store")
	s.pool.Close()
	return nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		ev                        models.Event
		startNs, endNs, lastModNs int64
		lastSync                  *time.Time
	)

	if err := row.Scan(
		&ev.ID, &ev.ExternalID, &ev.CalendarID, &ev.Title,
		&startNs, &endNs, &ev.AllDay, &ev.Location,
		&ev.Description, &ev.RecurrenceRule, &lastModNs, &ev.Checksum,
		&ev.SyncToken, &lastSync, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ev.Start = fromNanos(startNs)
	ev.End = fromNanos(endNs)
	ev.LastModified = fromNanos(lastModNs)
	if lastSync != nil {
		ev.LastSync = lastSync.UTC()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
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
