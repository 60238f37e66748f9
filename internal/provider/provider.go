// Package provider defines the capability the sync engine consumes from the
// authoritative external calendar service.
package provider

import (
	"context"
	"errors"

	"github.com/wolfeidau/calsync/internal/models"
)

var (
	// ErrEventNotFound is returned when the provider has no event with the given id.
	ErrEventNotFound = errors.New("provider event not found")
	// ErrUnavailable indicates the provider cannot be reached.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrSubscriptionUnsupported is returned by Subscribe when push notifications are not available.
	ErrSubscriptionUnsupported = errors.New("change subscription not supported")
)

// Event is an event as the provider stores it.
type Event struct {
	ExternalID string
	models.EventData
}

// Provider is the external calendar capability.
type Provider interface {
	Name() string

	ListEvents(ctx context.Context, r models.DateRange) ([]Event, error)
	ListCalendars(ctx context.Context) ([]models.Calendar, error)
	GetEvent(ctx context.Context, externalID string) (Event, error)

	// CreateEvent assigns an ExternalID and returns the stored event.
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, externalID string) error
}

// Subscriber is implemented by providers that push change notifications.
// Each value received on the channel means "something changed, rescan";
// the channel is closed when ctx is done or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}
