package store

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
	"github.com/wolfeidau/calsync/internal/models"
)

// Matches reports whether ev satisfies every condition of the filter.
func Matches(ev *models.Event, f models.EventFilter) bool {
	if f.CalendarID != "" && ev.CalendarID != f.CalendarID {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == ev.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return OccursIn(ev.EventData, f.Range)
}

// OccursIn reports whether the event, or any occurrence of its recurrence
// rule, intersects the range.
func OccursIn(d models.EventData, r models.DateRange) bool {
	if d.RecurrenceRule == "" {
		return r.Overlaps(d.Start, d.End)
	}
	if r.Start.IsZero() && r.End.IsZero() {
		return true
	}
	if r.Start.IsZero() {
		return d.Start.Before(r.End)
	}

	opt, err := rrule.StrToROption(d.RecurrenceRule)
	if err != nil {
		return r.Overlaps(d.Start, d.End)
	}
	opt.Dtstart = d.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return r.Overlaps(d.Start, d.End)
	}

	dur := d.End.Sub(d.Start)
	from := r.Start.Add(-dur)

	if r.End.IsZero() {
		next := rule.After(from, true)
		return !next.IsZero() && r.Overlaps(next, next.Add(dur))
	}

	for _, occ := range rule.Between(from, r.End, true) {
		if r.Overlaps(occ, occ.Add(dur)) {
			return true
		}
	}
	return false
}

// SortAndLimit orders events by start then id and applies the limit.
func SortAndLimit(events []*models.Event, limit int) []*models.Event {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Now is the clock used for CreatedAt and UpdatedAt.
var Now = func() time.Time { return time.Now().UTC() }
