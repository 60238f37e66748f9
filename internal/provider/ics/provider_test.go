package ics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
)

var start = time.Date(2026, 7, 14, 9, 30, 0, 0, time.UTC)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(t.TempDir(), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	return p
}

func sample() provider.Event {
	return provider.Event{EventData: models.EventData{
		CalendarID:     "work",
		Title:          "Architecture review",
		Start:          start,
		End:            start.Add(90 * time.Minute),
		Location:       "Room 12",
		Description:    "Quarterly review",
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU",
	}}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	created, err := p.CreateEvent(ctx, sample())
	require.NoError(t, err)
	require.NotEmpty(t, created.ExternalID)
	require.FileExists(t, filepath.Join(p.Root(), "work", created.ExternalID+".ics"))

	got, err := p.GetEvent(ctx, created.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, created.ExternalID, got.ExternalID)
	assert.Equal(t, "work", got.CalendarID)
	assert.Equal(t, created.Title, got.Title)
	assert.True(t, created.Start.Equal(got.Start))
	assert.True(t, created.End.Equal(got.End))
	assert.Equal(t, created.Location, got.Location)
	assert.Equal(t, created.Description, got.Description)
	assert.Equal(t, created.RecurrenceRule, got.RecurrenceRule)
	assert.True(t, created.LastModified.Equal(got.LastModified))
	assert.Equal(t, models.Checksum(created.EventData), models.Checksum(got.EventData))
}

func TestAllDayEvent(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	day := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)
	ev := provider.Event{EventData: models.EventData{
		CalendarID: "home",
		Title:      "Holiday",
		Start:      day,
		End:        day.AddDate(0, 0, 1),
		AllDay:     true,
	}}

	created, err := p.CreateEvent(ctx, ev)
	require.NoError(t, err)

	got, err := p.GetEvent(ctx, created.ExternalID)
	require.NoError(t, err)
	assert.True(t, got.AllDay)
	assert.True(t, day.Equal(got.Start))
	assert.True(t, day.AddDate(0, 0, 1).Equal(got.End))
}

func TestUpdateMovesCalendar(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	created, err := p.CreateEvent(ctx, sample())
	require.NoError(t, err)

	created.CalendarID = "personal"
	created.Title = "Moved review"
	_, err = p.UpdateEvent(ctx, created)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(p.Root(), "work", created.ExternalID+".ics"))
	got, err := p.GetEvent(ctx, created.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, "personal", got.CalendarID)
	assert.Equal(t, "Moved review", got.Title)

	cals, err := p.ListCalendars(ctx)
	require.NoError(t, err)
	assert.Len(t, cals, 2)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	created, err := p.CreateEvent(ctx, sample())
	require.NoError(t, err)

	require.NoError(t, p.DeleteEvent(ctx, created.ExternalID))
	assert.ErrorIs(t, p.DeleteEvent(ctx, created.ExternalID), provider.ErrEventNotFound)

	_, err = p.GetEvent(ctx, created.ExternalID)
	assert.ErrorIs(t, err, provider.ErrEventNotFound)

	_, err = p.GetEvent(ctx, "../escape")
	assert.ErrorIs(t, err, provider.ErrEventNotFound)
}

func TestListEventsSkipsBadFiles(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	single := sample()
	single.RecurrenceRule = ""
	created, err := p.CreateEvent(ctx, single)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(p.Root(), "work", "broken.ics"), []byte("not a calendar"), 0o600))

	events, err := p.ListEvents(ctx, models.DateRange{Start: start.Add(-time.Hour), End: start.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, created.ExternalID, events[0].ExternalID)

	events, err = p.ListEvents(ctx, models.DateRange{Start: start.AddDate(0, 1, 0)})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCreateRejectsBadCalendar(t *testing.T) {
	p := newProvider(t)
	ev := sample()
	ev.CalendarID = "../outside"
	_, err := p.CreateEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newProvider(t)
	require.NoError(t, os.MkdirAll(filepath.Join(p.Root(), "work"), 0o755))

	ch, err := p.Subscribe(ctx)
	require.NoError(t, err)

	_, err = p.CreateEvent(ctx, sample())
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("expected change signal")
	}
}
