package monitor

import (
	"maps"
	"sort"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
)

// snapshot is the last known provider state keyed by external id.
type snapshot struct {
	events    map[string]provider.Event
	calendars map[string]models.Calendar
}

func newSnapshot(events []provider.Event, calendars []models.Calendar) snapshot {
	s := snapshot{
		events:    make(map[string]provider.Event, len(events)),
		calendars: make(map[string]models.Calendar, len(calendars)),
	}
	for _, ev := range events {
		s.events[ev.ExternalID] = ev
	}
	for _, cal := range calendars {
		s.calendars[cal.ID] = cal
	}
	return s
}

func (s snapshot) clone() snapshot {
	return snapshot{events: maps.Clone(s.events), calendars: maps.Clone(s.calendars)}
}

// diff classifies the differences between prev and next. window is the
// range next was listed with: an event missing from next is only reported
// as deleted if it should have been listed.
func diff(prev, next snapshot, window models.DateRange, source string, now time.Time) []models.ChangeRecord {
	var (
		calAdded, calDeleted       []models.ChangeRecord
		evAdded, evModified, evDel []models.ChangeRecord
	)

	for id, cal := range next.calendars {
		if _, ok := prev.calendars[id]; !ok {
			calAdded = append(calAdded, calendarRecord(models.ChangeAdded, cal.ID, source, now))
		}
	}
	for id := range prev.calendars {
		if _, ok := next.calendars[id]; !ok {
			calDeleted = append(calDeleted, calendarRecord(models.ChangeDeleted, id, source, now))
		}
	}

	for id, ev := range next.events {
		old, ok := prev.events[id]
		switch {
		case !ok:
			evAdded = append(evAdded, eventRecord(models.ChangeAdded, ev, source, now))
		case ev.SignificantlyDiffers(old.EventData) || ev.CalendarID != old.CalendarID:
			evModified = append(evModified, eventRecord(models.ChangeModified, ev, source, now))
		}
	}
	for id, old := range prev.events {
		if _, ok := next.events[id]; ok {
			continue
		}
		if !inWindow(old, window) {
			// aged out of the listing window, not deleted
			continue
		}
		evDel = append(evDel, models.ChangeRecord{
			ChangeType: models.ChangeDeleted,
			EntityType: models.EntityEvent,
			EventID:    id,
			CalendarID: old.CalendarID,
			Timestamp:  now,
			DetectedAt: now,
			Source:     source,
		})
	}

	for _, group := range [][]models.ChangeRecord{calAdded, calDeleted, evAdded, evModified, evDel} {
		sortRecords(group)
	}

	out := make([]models.ChangeRecord, 0, len(calAdded)+len(evAdded)+len(evModified)+len(evDel)+len(calDeleted))
	out = append(out, calAdded...)
	out = append(out, evAdded...)
	out = append(out, evModified...)
	out = append(out, evDel...)
	// calendar removals last so their cascade sees the final event state
	out = append(out, calDeleted...)
	return out
}

func inWindow(ev provider.Event, window models.DateRange) bool {
	if ev.RecurrenceRule != "" {
		return true
	}
	return window.Overlaps(ev.Start, ev.End)
}

func eventRecord(ct models.ChangeType, ev provider.Event, source string, now time.Time) models.ChangeRecord {
	data := ev.EventData
	ts := ev.LastModified
	if ts.IsZero() {
		ts = now
	}
	return models.ChangeRecord{
		ChangeType: ct,
		EntityType: models.EntityEvent,
		EventID:    ev.ExternalID,
		CalendarID: ev.CalendarID,
		Timestamp:  ts,
		DetectedAt: now,
		Payload:    &data,
		Source:     source,
	}
}

func calendarRecord(ct models.ChangeType, calendarID, source string, now time.Time) models.ChangeRecord {
	return models.ChangeRecord{
		ChangeType: ct,
		EntityType: models.EntityCalendar,
		CalendarID: calendarID,
		Timestamp:  now,
		DetectedAt: now,
		Source:     source,
	}
}

func sortRecords(recs []models.ChangeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].EventID != recs[j].EventID {
			return recs[i].EventID < recs[j].EventID
		}
		return recs[i].CalendarID < recs[j].CalendarID
	})
}
