package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/store/storetest"
)

func openStore(t *testing.T, path string) *EventStore {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path, MaxOpenConns: 4})
	require.NoError(t, err)
	return s
}

func TestEventStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		return openStore(t, filepath.Join(t.TempDir(), "events.db"))
	})
}

func TestEventStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "events.db")

	start := time.Date(2026, 9, 1, 8, 15, 0, 123456789, time.UTC)
	ev := models.NewEvent("evt-1", models.EventData{
		CalendarID:   "cal-1",
		Title:        "Persisted",
		Start:        start,
		End:          start.Add(time.Hour),
		AllDay:       false,
		Location:     "HQ",
		LastModified: start.Add(-time.Hour),
	})

	s := openStore(t, path)
	require.NoError(t, s.Upsert(ctx, ev))
	require.NoError(t, s.Close())

	s = openStore(t, path)
	defer s.Close()

	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got.VerifyChecksum())
	assert.Equal(t, start, got.Start)
	assert.Equal(t, "HQ", got.Location)
	assert.Nil(t, got.ExternalID)
	assert.True(t, ev.LastModified.Equal(got.LastModified))
}

func TestConfig(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg.ApplyDefaults()
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)
}
