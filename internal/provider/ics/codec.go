package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/wolfeidau/calsync/internal/provider"
)

const productID = "-//calsync//ics provider//EN"

const (
	utcLayout  = "20060102T150405Z"
	dateLayout = "20060102"
)

// encode renders one event as a VCALENDAR with a single VEVENT.
func encode(ev provider.Event) []byte {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	ve := cal.AddEvent(ev.ExternalID)
	ve.SetDtStampTime(ev.LastModified)
	ve.SetSummary(ev.Title)
	if ev.AllDay {
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	} else {
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.RecurrenceRule != "" {
		ve.AddRrule(ev.RecurrenceRule)
	}
	if !ev.LastModified.IsZero() {
		ve.SetProperty(ical.ComponentPropertyLastModified, ev.LastModified.UTC().Format(utcLayout))
	}

	return []byte(cal.Serialize())
}

// decode parses the first VEVENT of an ICS payload.
func decode(calendarID string, body []byte) (provider.Event, error) {
	if len(body) == 0 {
		return provider.Event{}, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return provider.Event{}, fmt.Errorf("failed to parse calendar: %w", err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return provider.Event{}, errors.New("no VEVENT in calendar")
	}
	ve := events[0]

	var out provider.Event
	out.CalendarID = calendarID

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.ExternalID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RecurrenceRule = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	if out.AllDay {
		out.Start, err = time.Parse(dateLayout, dtStart.Value)
		if err != nil {
			return out, fmt.Errorf("invalid DTSTART %q: %w", dtStart.Value, err)
		}
		out.End = out.Start.AddDate(0, 0, 1)
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			out.End, err = time.Parse(dateLayout, dtEnd.Value)
			if err != nil {
				return out, fmt.Errorf("invalid DTEND %q: %w", dtEnd.Value, err)
			}
		}
	} else {
		out.Start, err = ve.GetStartAt()
		if err != nil {
			return out, fmt.Errorf("invalid DTSTART: %w", err)
		}
		out.End, err = ve.GetEndAt()
		if err != nil {
			out.End = out.Start
		}
		out.Start, out.End = out.Start.UTC(), out.End.UTC()
	}

	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := time.Parse(utcLayout, strings.TrimSpace(p.Value)); err == nil {
			out.LastModified = t
		}
	}

	return out, nil
}

// isDateValue reports whether a DTSTART is a DATE rather than a DATE-TIME.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}
