package store

import (
	"context"
	"errors"

	"github.com/wolfeidau/calsync/internal/models"
)

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrDuplicateExternalID  = errors.New("external id already mapped to another event")
	ErrUnsupportedStoreType = errors.New("unsupported store type")
	ErrStoreClosed          = errors.New("store closed")
)

// EventStore is the local event table.
//
// Every write of content goes through Upsert, which recomputes the checksum
// and bumps UpdatedAt in the same write.
type EventStore interface {
	Get(ctx context.Context, id string) (*models.Event, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Event, error)

	// Upsert inserts or replaces the row keyed by ev.ID. It normalizes the
	// content times and sets ev.Checksum, ev.UpdatedAt and (for new rows)
	// ev.CreatedAt on the passed event.
	Upsert(ctx context.Context, ev *models.Event) error

	// Delete removes the row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error

	// Query returns events matching the filter ordered by start then id.
	Query(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)
	Count(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Invalidator receives a notification for every change that lands in local
// storage so downstream caches can evict by event id, calendar id and date
// bucket.
type Invalidator interface {
	Invalidate(ctx context.Context, n models.ChangeNotification) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, n models.ChangeNotification) error

func (f InvalidatorFunc) Invalidate(ctx context.Context, n models.ChangeNotification) error {
	return f(ctx, n)
}
