package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
)

func newEvent(title string) provider.Event {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	return provider.Event{EventData: models.EventData{
		CalendarID: "work",
		Title:      title,
		Start:      start,
		End:        start.Add(time.Hour),
	}}
}

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	p := New()

	created, err := p.CreateEvent(ctx, newEvent("Review"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ExternalID)
	assert.False(t, created.LastModified.IsZero())

	got, err := p.GetEvent(ctx, created.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	cals, err := p.ListCalendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "work", cals[0].ID)

	require.NoError(t, p.DeleteEvent(ctx, created.ExternalID))
	err = p.DeleteEvent(ctx, created.ExternalID)
	assert.ErrorIs(t, err, provider.ErrEventNotFound)

	_, err = p.GetEvent(ctx, created.ExternalID)
	assert.ErrorIs(t, err, provider.ErrEventNotFound)
}

func TestUpdateUnknownEvent(t *testing.T) {
	p := New()
	ev := newEvent("Ghost")
	ev.ExternalID = "missing"
	_, err := p.UpdateEvent(context.Background(), ev)
	assert.ErrorIs(t, err, provider.ErrEventNotFound)
}

func TestListEventsRange(t *testing.T) {
	ctx := context.Background()
	p := New()
	in := p.Put(newEvent("Inside"))
	out := newEvent("Outside")
	out.Start = out.Start.AddDate(0, 1, 0)
	out.End = out.Start.Add(time.Hour)
	p.Put(out)

	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	events, err := p.ListEvents(ctx, models.DateRange{Start: day, End: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, in.ExternalID, events[0].ExternalID)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("fail next has no effect", func(t *testing.T) {
		p := New()
		p.FailNext(OpCreate, boom)
		_, err := p.CreateEvent(ctx, newEvent("A"))
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, p.Count())

		_, err = p.CreateEvent(ctx, newEvent("A"))
		require.NoError(t, err)
		assert.Equal(t, 1, p.Count())
	})

	t.Run("fail after apply keeps the write", func(t *testing.T) {
		p := New()
		p.FailAfterApply(OpCreate, boom)
		_, err := p.CreateEvent(ctx, newEvent("A"))
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, p.Count())
	})

	t.Run("corrupt write", func(t *testing.T) {
		p := New()
		p.CorruptNext(OpCreate)
		created, err := p.CreateEvent(ctx, newEvent("A"))
		require.NoError(t, err)
		stored, err := p.GetEvent(ctx, created.ExternalID)
		require.NoError(t, err)
		assert.NotEqual(t, "A", stored.Title)
	})

	t.Run("unavailable", func(t *testing.T) {
		p := New()
		p.SetUnavailable(true)
		_, err := p.ListEvents(ctx, models.DateRange{})
		require.ErrorIs(t, err, provider.ErrUnavailable)
		p.SetUnavailable(false)
		_, err = p.ListEvents(ctx, models.DateRange{})
		require.NoError(t, err)
		assert.Equal(t, 2, p.Calls(OpList))
	})

	t.Run("latency honours context", func(t *testing.T) {
		p := New()
		p.SetLatency(time.Second)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := p.GetEvent(cctx, "x")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New()

	ch, err := p.Subscribe(ctx)
	require.NoError(t, err)

	p.Put(newEvent("Pushed"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}

	cancel()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("expected subscription channel to close")
		}
	}
}
