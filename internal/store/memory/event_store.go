package memory

import (
	"context"
	"sync"

	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
)

var _ store.EventStore = (*EventStore)(nil)

// EventStore implements store.EventStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type EventStore struct {
	mu sync.RWMutex

	events     map[string]*models.Event // id -> Event
	byExternal map[string]string        // external_id -> id
	closed     bool
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		events:     make(map[string]*models.Event),
		byExternal: make(map[string]string),
	}
}

func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	return ev.Clone(), nil
}

func (s *EventStore) GetByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	return s.events[id].Clone(), nil
}

func (s *EventStore) Upsert(ctx context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	extID := ev.ExternalIDValue()
	if extID != "" {
		if owner, ok := s.byExternal[extID]; ok && owner != ev.ID {
			return store.ErrDuplicateExternalID
		}
	}

	now := store.Now()
	ev.SetContent(ev.EventData.Normalized())
	ev.UpdatedAt = now
	if existing, ok := s.events[ev.ID]; ok {
		if !existing.CreatedAt.IsZero() {
			ev.CreatedAt = existing.CreatedAt
		}
		if old := existing.ExternalIDValue(); old != "" && old != extID {
			delete(s.byExternal, old)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	s.events[ev.ID] = ev.Clone()
	if extID != "" {
		s.byExternal[extID] = ev.ID
	}
	return nil
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	if extID := ev.ExternalIDValue(); extID != "" {
		delete(s.byExternal, extID)
	}
	delete(s.events, id)
	return nil
}

func (s *EventStore) Query(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	var out []*models.Event
	for _, ev := range s.events {
		if store.Matches(ev, filter) {
			out = append(out, ev.Clone())
		}
	}
	return store.SortAndLimit(out, filter.Limit), nil
}

func (s *EventStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, store.ErrStoreClosed
	}
	return len(s.events), nil
}

func (s *EventStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
