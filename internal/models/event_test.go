package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

func sampleData() EventData {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return EventData{
		CalendarID:  "cal-1",
		Title:       "Standup",
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Location:    "Room 4",
		Description: "daily",
	}
}

func TestChecksum(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		d := sampleData()
		assert.Equal(t, Checksum(d), Checksum(d))
		assert.Len(t, Checksum(d), 64)
	})

	t.Run("ignores formatting differences", func(t *testing.T) {
		d := sampleData()
		other := d
		other.Title = "  Standup "
		other.Start = d.Start.In(time.FixedZone("AEST", 10*3600))
		other.End = d.End.In(time.FixedZone("AEST", 10*3600))
		assert.Equal(t, Checksum(d), Checksum(other))
	})

	t.Run("ignores last modified", func(t *testing.T) {
		d := sampleData()
		other := d
		other.LastModified = time.Now()
		assert.Equal(t, Checksum(d), Checksum(other))
	})

	t.Run("changes with content", func(t *testing.T) {
		d := sampleData()
		other := d
		other.Location = "Room 5"
		assert.NotEqual(t, Checksum(d), Checksum(other))
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := sampleData()
		a.Location, a.Description = "ab", "c"
		b := sampleData()
		b.Location, b.Description = "a", "bc"
		assert.NotEqual(t, Checksum(a), Checksum(b))
	})
}

func TestEventDataNormalized(t *testing.T) {
	aest := time.FixedZone("AEST", 10*3600)

	allDay := EventData{
		Title:  "Holiday",
		Start:  time.Date(2026, 12, 25, 0, 0, 0, 0, aest),
		End:    time.Date(2026, 12, 26, 0, 0, 0, 0, aest),
		AllDay: true,
	}
	n := allDay.Normalized()
	assert.Equal(t, time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC), n.Start)
	assert.Equal(t, time.UTC, n.End.Location())
	assert.Equal(t, Checksum(allDay), Checksum(n))

	timed := sampleData()
	timed.Start = timed.Start.In(aest)
	n = timed.Normalized()
	assert.Equal(t, time.UTC, n.Start.Location())
	assert.True(t, timed.Start.Equal(n.Start))
}

func TestEventSetContent(t *testing.T) {
	e := NewEvent("evt-1", sampleData())
	require.True(t, e.VerifyChecksum())

	e.Title = "changed without checksum"
	assert.False(t, e.VerifyChecksum())

	e.SetContent(e.EventData)
	assert.True(t, e.VerifyChecksum())
}

func TestEventDataValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *EventData)
		wantErr bool
	}{
		{"valid", func(d *EventData) {}, false},
		{"missing title", func(d *EventData) { d.Title = " " }, true},
		{"missing start", func(d *EventData) { d.Start = time.Time{} }, true},
		{"missing end", func(d *EventData) { d.End = time.Time{} }, true},
		{"end before start", func(d *EventData) { d.End = d.Start.Add(-time.Minute) }, true},
		{"valid rrule", func(d *EventData) { d.RecurrenceRule = "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10" }, false},
		{"invalid rrule", func(d *EventData) { d.RecurrenceRule = "FREQ=SOMETIMES" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleData()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, syncerr.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEventPatchApply(t *testing.T) {
	base := sampleData()
	title := "Standup (moved)"
	patched := EventPatch{Title: &title}.Apply(base)

	assert.Equal(t, title, patched.Title)
	assert.Equal(t, base.Start, patched.Start)
	assert.Equal(t, base.Location, patched.Location)
	assert.True(t, EventPatch{}.IsEmpty())
	assert.False(t, EventPatch{Title: &title}.IsEmpty())
}

func TestDateRangeOverlaps(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r := DateRange{Start: day, End: day.Add(24 * time.Hour)}

	assert.True(t, r.Overlaps(day.Add(9*time.Hour), day.Add(10*time.Hour)))
	assert.True(t, r.Overlaps(day.Add(-time.Hour), day.Add(time.Hour)))
	assert.False(t, r.Overlaps(day.Add(-2*time.Hour), day))
	assert.False(t, r.Overlaps(day.Add(24*time.Hour), day.Add(25*time.Hour)))
	assert.True(t, r.Overlaps(day, day))
	assert.True(t, DateRange{}.Overlaps(day, day.Add(time.Hour)))
}

func TestCanTransition(t *testing.T) {
	happy := []TransactionStatus{StatusPending, StatusPreparing, StatusPrepared, StatusCommitting, StatusCommitted, StatusCompleted}
	for i := 0; i < len(happy)-1; i++ {
		assert.True(t, CanTransition(happy[i], happy[i+1]), "%s -> %s", happy[i], happy[i+1])
	}

	assert.True(t, CanTransition(StatusCommitting, StatusRollingBack))
	assert.True(t, CanTransition(StatusPreparing, StatusRollingBack))
	assert.True(t, CanTransition(StatusRollingBack, StatusRolledBack))
	assert.False(t, CanTransition(StatusCompleted, StatusRollingBack))
	assert.False(t, CanTransition(StatusRolledBack, StatusCommitting))

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusRolledBack.IsTerminal())
	assert.False(t, StatusCommitting.IsTerminal())
}
