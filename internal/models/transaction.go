package models

import "time"

// Operation is the kind of local-originated mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// DefaultMaxRetries applies when a request or operation does not set one.
const DefaultMaxRetries = 3

// WriteRequest is one mutation inside a WriteTransaction.
type WriteRequest struct {
	RequestID  string      `json:"request_id"`
	Operation  Operation   `json:"operation"`
	EventID    string      `json:"event_id"`
	CalendarID string      `json:"calendar_id"`
	EventData  *EventData  `json:"event_data,omitempty"`
	Patch      *EventPatch `json:"patch,omitempty"`

	// OriginalData is the pre-image captured during Prepare.
	OriginalData *EventData `json:"original_data,omitempty"`
	MaxRetries   int        `json:"max_retries"`
}

// TransactionPhase is the 2PC phase a transaction is in.
type TransactionPhase string

const (
	PhasePrepare   TransactionPhase = "prepare"
	PhaseCommit    TransactionPhase = "commit"
	PhaseRollback  TransactionPhase = "rollback"
	PhaseCompleted TransactionPhase = "completed"
)

// TransactionStatus tracks a transaction through its state machine:
//
//	Pending -> Preparing -> Prepared -> Committing -> Committed -> Completed
//	{Preparing|Prepared|Committing} -> RollingBack -> RolledBack
//	RollingBack -> Failed
type TransactionStatus string

const (
	StatusPending     TransactionStatus = "pending"
	StatusPreparing   TransactionStatus = "preparing"
	StatusPrepared    TransactionStatus = "prepared"
	StatusCommitting  TransactionStatus = "committing"
	StatusCommitted   TransactionStatus = "committed"
	StatusCompleted   TransactionStatus = "completed"
	StatusRollingBack TransactionStatus = "rolling_back"
	StatusRolledBack  TransactionStatus = "rolled_back"
	StatusFailed      TransactionStatus = "failed"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:     {StatusPreparing, StatusFailed},
	StatusPreparing:   {StatusPrepared, StatusRollingBack, StatusFailed},
	StatusPrepared:    {StatusCommitting, StatusRollingBack},
	StatusCommitting:  {StatusCommitted, StatusRollingBack},
	StatusCommitted:   {StatusCompleted},
	StatusRollingBack: {StatusRolledBack, StatusFailed},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusFailed
}

// RollbackEntry is the durable pre-image of one mutated event.
type RollbackEntry struct {
	RequestID string    `json:"request_id"`
	Operation Operation `json:"operation"`
	EventID   string    `json:"event_id"`

	// ExternalID is the provider id of the event for Update and Delete. For a
	// Create it is filled in once the provider has assigned one.
	ExternalID string `json:"external_id,omitempty"`

	// Original is the event content before the transaction; nil for Create.
	Original *EventData `json:"original,omitempty"`

	// Intended is the content the request writes; used to locate a Create
	// whose provider id was never recorded.
	Intended *EventData `json:"intended,omitempty"`
}

// WriteTransaction is a unit of local-originated, externally propagated
// mutation.
type WriteTransaction struct {
	TransactionID string
	Requests      []WriteRequest
	Phase         TransactionPhase
	Status        TransactionStatus
	RollbackData  []RollbackEntry

	// Committed lists request ids whose external write was verified.
	Committed []string
	CreatedAt time.Time
	UpdatedAt time.Time
	Err       error
}
