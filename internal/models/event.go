package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

// EventData holds the content fields of a calendar event. It is the typed
// payload passed between the monitor, pipeline and writer.
type EventData struct {
	CalendarID     string    `json:"calendar_id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	AllDay         bool      `json:"all_day"`
	Location       string    `json:"location,omitempty"`
	Description    string    `json:"description,omitempty"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`

	// LastModified is the provider-side modification marker. It is not part
	// of the checksum.
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Validate checks the fields required to create an event.
func (d EventData) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return syncerr.Validation("validate_event", "title is required")
	}
	if d.Start.IsZero() {
		return syncerr.Validation("validate_event", "start time is required")
	}
	if d.End.IsZero() {
		return syncerr.Validation("validate_event", "end time is required")
	}
	if d.End.Before(d.Start) {
		return syncerr.Validation("validate_event", "end time %s is before start time %s",
			d.End.Format(time.RFC3339), d.Start.Format(time.RFC3339))
	}
	if d.RecurrenceRule != "" {
		if _, err := rrule.StrToRRule(d.RecurrenceRule); err != nil {
			return syncerr.Validation("validate_event", "invalid recurrence rule %q: %v", d.RecurrenceRule, err)
		}
	}
	return nil
}

// Normalized returns d with timed events in UTC and all-day events at UTC
// midnight of their wall-clock dates, so stores round-trip them exactly.
func (d EventData) Normalized() EventData {
	out := d
	if d.AllDay {
		out.Start = wallDate(d.Start)
		out.End = wallDate(d.End)
	} else {
		out.Start = utc(d.Start)
		out.End = utc(d.End)
	}
	out.LastModified = utc(d.LastModified)
	return out
}

func wallDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Round(0)
}

// SignificantlyDiffers reports whether any field used for change detection
// differs between two versions.
func (d EventData) SignificantlyDiffers(other EventData) bool {
	return d.Title != other.Title ||
		!d.Start.Equal(other.Start) ||
		!d.End.Equal(other.End) ||
		d.AllDay != other.AllDay ||
		d.Location != other.Location ||
		d.Description != other.Description ||
		!d.LastModified.Equal(other.LastModified)
}

// Checksum returns the SHA-256 hex digest of the normalized content fields.
//
// Normalization trims surrounding whitespace, converts times to UTC and
// truncates all-day times to the date, so formatting-only differences do not
// change the checksum.
func Checksum(d EventData) string {
	var b strings.Builder
	write := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte('|')
	}

	write(strings.TrimSpace(d.CalendarID))
	write(strings.TrimSpace(d.Title))
	write(normalizeTime(d.Start, d.AllDay))
	write(normalizeTime(d.End, d.AllDay))
	write(strconv.FormatBool(d.AllDay))
	write(strings.TrimSpace(d.Location))
	write(strings.TrimSpace(d.Description))
	write(strings.TrimSpace(d.RecurrenceRule))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format(time.DateOnly)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// DateBucket is the cache bucket key for the day an event starts on.
func DateBucket(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

// EventPatch is a partial update. Nil fields are left unchanged.
type EventPatch struct {
	Title          *string    `json:"title,omitempty"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	AllDay         *bool      `json:"all_day,omitempty"`
	Location       *string    `json:"location,omitempty"`
	Description    *string    `json:"description,omitempty"`
	RecurrenceRule *string    `json:"recurrence_rule,omitempty"`
}

// Apply returns base with the patch fields overlaid.
func (p EventPatch) Apply(base EventData) EventData {
	out := base
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Start != nil {
		out.Start = *p.Start
	}
	if p.End != nil {
		out.End = *p.End
	}
	if p.AllDay != nil {
		out.AllDay = *p.AllDay
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.RecurrenceRule != nil {
		out.RecurrenceRule = *p.RecurrenceRule
	}
	return out
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p.Title == nil && p.Start == nil && p.End == nil && p.AllDay == nil &&
		p.Location == nil && p.Description == nil && p.RecurrenceRule == nil
}

// Event is a row of the local event table.
type Event struct {
	ID         string  // local, stable
	ExternalID *string // assigned once the provider confirms creation

	EventData

	Checksum  string
	SyncToken string
	LastSync  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEvent builds a local event row with its checksum set.
func NewEvent(id string, data EventData) *Event {
	e := &Event{ID: id}
	e.SetContent(data)
	return e
}

// SetContent replaces the content fields and recomputes the checksum in the
// same step.
func (e *Event) SetContent(data EventData) {
	e.EventData = data
	e.Checksum = Checksum(data)
}

// VerifyChecksum reports whether the stored checksum matches the content.
func (e *Event) VerifyChecksum() bool {
	return e.Checksum == Checksum(e.EventData)
}

// ExternalIDValue returns the external id or "" when unassigned.
func (e *Event) ExternalIDValue() string {
	if e.ExternalID == nil {
		return ""
	}
	return *e.ExternalID
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExternalID != nil {
		id := *e.ExternalID
		c.ExternalID = &id
	}
	return &c
}

// Calendar is a coarse-grained container of events on the provider.
type Calendar struct {
	ID       string
	Title    string
	Color    string
	Writable bool
}

// DateRange is a half-open [Start, End) interval. Zero bounds are unbounded.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the range.
func (r DateRange) Overlaps(start, end time.Time) bool {
	if end.Before(start) {
		end = start
	}
	if !r.End.IsZero() && !start.Before(r.End) {
		return false
	}
	if !r.Start.IsZero() {
		// zero-length events at the range start still count
		if end.Equal(start) {
			return !start.Before(r.Start)
		}
		if !end.After(r.Start) {
			return false
		}
	}
	return true
}

// EventFilter selects events from the local store.
type EventFilter struct {
	CalendarID string
	Range      DateRange
	IDs        []string
	Limit      int
}
