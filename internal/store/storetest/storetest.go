// Package storetest holds the behavioural tests every store.EventStore
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
)

// Factory returns an empty store. The store is closed by the caller.
type Factory func(t *testing.T) store.EventStore

var day = time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)

func event(id, calendarID string, start time.Time, d time.Duration) *models.Event {
	return models.NewEvent(id, models.EventData{
		CalendarID: calendarID,
		Title:      "Event " + id,
		Start:      start,
		End:        start.Add(d),
	})
}

func strPtr(s string) *string { return &s }

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("upsert and get", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		ev := event("evt-1", "cal-1", day.Add(9*time.Hour), time.Hour)
		ev.ExternalID = strPtr("ext-1")
		ev.Checksum = "stale"
		require.NoError(t, s.Upsert(ctx, ev))
		assert.Equal(t, models.Checksum(ev.EventData), ev.Checksum)
		assert.False(t, ev.CreatedAt.IsZero())
		assert.False(t, ev.UpdatedAt.IsZero())

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "Event evt-1", got.Title)
		assert.Equal(t, "ext-1", got.ExternalIDValue())
		assert.True(t, got.VerifyChecksum())
		assert.True(t, ev.Start.Equal(got.Start))

		byExt, err := s.GetByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, "evt-1", byExt.ID)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrEventNotFound)
		_, err = s.GetByExternalID(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrEventNotFound)
	})

	t.Run("upsert replaces content and keeps created at", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		ev := event("evt-1", "cal-1", day.Add(9*time.Hour), time.Hour)
		require.NoError(t, s.Upsert(ctx, ev))
		created := ev.CreatedAt

		updated := ev.Clone()
		updated.Title = "Renamed"
		updated.ExternalID = strPtr("ext-9")
		require.NoError(t, s.Upsert(ctx, updated))

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.True(t, got.VerifyChecksum())
		assert.True(t, created.Equal(got.CreatedAt))
		assert.False(t, got.UpdatedAt.Before(created))

		byExt, err := s.GetByExternalID(ctx, "ext-9")
		require.NoError(t, err)
		assert.Equal(t, "evt-1", byExt.ID)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("external id is unique", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		a := event("evt-a", "cal-1", day, time.Hour)
		a.ExternalID = strPtr("ext-shared")
		require.NoError(t, s.Upsert(ctx, a))

		b := event("evt-b", "cal-1", day, time.Hour)
		b.ExternalID = strPtr("ext-shared")
		assert.ErrorIs(t, s.Upsert(ctx, b), store.ErrDuplicateExternalID)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		ev := event("evt-1", "cal-1", day, time.Hour)
		ev.ExternalID = strPtr("ext-1")
		require.NoError(t, s.Upsert(ctx, ev))

		require.NoError(t, s.Delete(ctx, "evt-1"))
		require.NoError(t, s.Delete(ctx, "evt-1"))

		_, err := s.Get(ctx, "evt-1")
		assert.ErrorIs(t, err, store.ErrEventNotFound)
		_, err = s.GetByExternalID(ctx, "ext-1")
		assert.ErrorIs(t, err, store.ErrEventNotFound)
	})

	t.Run("query by range and calendar", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, event("b-late", "cal-1", day.Add(15*time.Hour), time.Hour)))
		require.NoError(t, s.Upsert(ctx, event("a-early", "cal-1", day.Add(9*time.Hour), time.Hour)))
		require.NoError(t, s.Upsert(ctx, event("c-same", "cal-1", day.Add(9*time.Hour), 30*time.Minute)))
		require.NoError(t, s.Upsert(ctx, event("other-cal", "cal-2", day.Add(10*time.Hour), time.Hour)))
		require.NoError(t, s.Upsert(ctx, event("next-day", "cal-1", day.Add(33*time.Hour), time.Hour)))
		require.NoError(t, s.Upsert(ctx, event("spanning", "cal-1", day.Add(-2*time.Hour), 4*time.Hour)))

		got, err := s.Query(ctx, models.EventFilter{
			CalendarID: "cal-1",
			Range:      models.DateRange{Start: day, End: day.Add(24 * time.Hour)},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"spanning", "a-early", "c-same", "b-late"}, ids(got))

		got, err = s.Query(ctx, models.EventFilter{
			Range: models.DateRange{Start: day, End: day.Add(24 * time.Hour)},
			Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"spanning", "a-early"}, ids(got))

		got, err = s.Query(ctx, models.EventFilter{IDs: []string{"next-day", "other-cal"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"other-cal", "next-day"}, ids(got))
	})

	t.Run("query expands recurrence", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		weekly := event("weekly", "cal-1", day.Add(-14*24*time.Hour+9*time.Hour), time.Hour)
		weekly.RecurrenceRule = "FREQ=WEEKLY"
		require.NoError(t, s.Upsert(ctx, weekly))

		ended := event("ended", "cal-1", day.Add(-14*24*time.Hour+9*time.Hour), time.Hour)
		ended.RecurrenceRule = "FREQ=WEEKLY;COUNT=1"
		require.NoError(t, s.Upsert(ctx, ended))

		got, err := s.Query(ctx, models.EventFilter{Range: models.DateRange{Start: day, End: day.Add(24 * time.Hour)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"weekly"}, ids(got))

		got, err = s.Query(ctx, models.EventFilter{Range: models.DateRange{Start: day.Add(24 * time.Hour), End: day.Add(48 * time.Hour)}})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("concurrent upserts", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Upsert(ctx, event(fmt.Sprintf("evt-%02d", i), "cal-1", day.Add(time.Duration(i)*time.Minute), time.Minute)))
			}(i)
		}
		wg.Wait()

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, n)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		require.NoError(t, s.Ping(context.Background()))
	})
}

func ids(events []*models.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}
