package models

import "time"

// ChangeType classifies a detected or requested mutation.
type ChangeType int

const (
	ChangeAdded ChangeType = iota + 1
	ChangeModified
	ChangeDeleted
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// EntityType distinguishes event-level from calendar-level changes.
type EntityType int

const (
	EntityEvent EntityType = iota
	EntityCalendar
)

func (e EntityType) String() string {
	if e == EntityCalendar {
		return "calendar"
	}
	return "event"
}

// ChangeRecord is one difference between two provider snapshots. For event
// records EventID holds the provider's external id.
type ChangeRecord struct {
	ChangeType ChangeType
	EntityType EntityType
	EventID    string
	CalendarID string

	// Timestamp is the provider-side change time (LastModified when known).
	Timestamp time.Time
	// DetectedAt is when the monitor observed the difference.
	DetectedAt time.Time

	// Payload is set for Added and Modified event records.
	Payload *EventData
	Source  string
}

// Origin identifies which side of the sync produced a change notification.
type Origin string

const (
	OriginInbound Origin = "inbound"
	OriginLocal   Origin = "local"
)

// ChangeNotification is published to downstream cache invalidation consumers
// after a change lands in local storage.
type ChangeNotification struct {
	EventID    string
	CalendarID string
	DateBucket string
	ChangeType ChangeType
	Origin     Origin
	At         time.Time
}
