package wal

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
)

type startPayload struct {
	Requests []models.WriteRequest `json:"requests"`
}

// PhaseUpdate is the content of a phase record. Rollback, when non-nil,
// replaces the transaction's rollback data. Committing names the request
// about to be sent to the provider; Committed names a request whose write
// was verified.
type PhaseUpdate struct {
	Phase      models.TransactionPhase  `json:"phase"`
	Status     models.TransactionStatus `json:"status"`
	Rollback   []models.RollbackEntry   `json:"rollback,omitempty"`
	Committing string                   `json:"committing,omitempty"`
	Committed  string                   `json:"committed,omitempty"`
}

type completePayload struct {
	Status models.TransactionStatus `json:"status"`
	Purged bool                     `json:"purged,omitempty"`
}

// Transaction is the replayed state of one transaction.
type Transaction struct {
	TransactionID string
	Requests      []models.WriteRequest
	Phase         models.TransactionPhase
	Status        models.TransactionStatus
	RollbackData  []models.RollbackEntry

	// Committing is the request that was in flight when the last record
	// was written; it may or may not have reached the provider.
	Committing string
	Committed  []string

	StartedAt time.Time
	UpdatedAt time.Time

	// Corrupt is set when one of the transaction's records could not be
	// decoded. Such transactions must not be replayed.
	Corrupt       bool
	CorruptReason string
}

func (t *Transaction) clone() Transaction {
	out := *t
	out.Requests = slices.Clone(t.Requests)
	out.RollbackData = slices.Clone(t.RollbackData)
	out.Committed = slices.Clone(t.Committed)
	return out
}

type recordRef struct {
	sequence int64
	offset   int64
	length   int64
}

type txEntry struct {
	tx      Transaction
	records []recordRef
}

// txIndex tracks live (non-terminal) transactions and where their records
// live in the file.
type txIndex struct {
	order []string
	byID  map[string]*txEntry

	records         int
	terminalRecords int
	lastSequence    int64
}

func newTxIndex() *txIndex {
	return &txIndex{byID: make(map[string]*txEntry)}
}

// apply folds one record into the index.
func (idx *txIndex) apply(rec record) {
	idx.records++
	if rec.sequence > idx.lastSequence {
		idx.lastSequence = rec.sequence
	}

	ref := recordRef{sequence: rec.sequence, offset: rec.offset, length: rec.length}
	at := time.UnixMilli(rec.timestamp).UTC()

	entry, ok := idx.byID[rec.txID]
	if !ok {
		if rec.kind == KindComplete {
			// completion of a transaction dropped by an earlier compaction
			idx.terminalRecords++
			return
		}
		entry = &txEntry{tx: Transaction{TransactionID: rec.txID, StartedAt: at, Status: models.StatusPending}}
		idx.byID[rec.txID] = entry
		idx.order = append(idx.order, rec.txID)
		if rec.kind != KindStart {
			entry.markCorrupt(fmt.Sprintf("%s record %d without start", rec.kind, rec.sequence))
		}
	}
	entry.records = append(entry.records, ref)
	entry.tx.UpdatedAt = at

	switch rec.kind {
	case KindStart:
		var p startPayload
		if err := json.Unmarshal(rec.payload, &p); err != nil {
			entry.markCorrupt(fmt.Sprintf("start record %d: %v", rec.sequence, err))
			return
		}
		entry.tx.Requests = p.Requests
		entry.tx.Phase = models.PhasePrepare

	case KindPhase:
		var p PhaseUpdate
		if err := json.Unmarshal(rec.payload, &p); err != nil {
			entry.markCorrupt(fmt.Sprintf("phase record %d: %v", rec.sequence, err))
			return
		}
		if p.Phase != "" {
			entry.tx.Phase = p.Phase
		}
		if p.Status != "" {
			entry.tx.Status = p.Status
		}
		if p.Rollback != nil {
			entry.tx.RollbackData = p.Rollback
		}
		entry.tx.Committing = p.Committing
		if p.Committed != "" && !slices.Contains(entry.tx.Committed, p.Committed) {
			entry.tx.Committed = append(entry.tx.Committed, p.Committed)
		}

	case KindComplete:
		// a completion marker ends the transaction even if its payload is unreadable
		idx.remove(rec.txID)
		idx.terminalRecords += len(entry.records)

	default:
		entry.markCorrupt(fmt.Sprintf("unknown record kind %d at %d", rec.kind, rec.sequence))
	}
}

func (e *txEntry) markCorrupt(reason string) {
	if e.tx.Corrupt {
		return
	}
	e.tx.Corrupt = true
	e.tx.CorruptReason = reason
}

func (idx *txIndex) remove(txID string) {
	delete(idx.byID, txID)
	if i := slices.Index(idx.order, txID); i >= 0 {
		idx.order = slices.Delete(idx.order, i, i+1)
	}
}

// live returns the live transactions in start order.
func (idx *txIndex) live() []Transaction {
	out := make([]Transaction, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, idx.byID[id].tx.clone())
	}
	return out
}

// liveRecords returns every record of a live transaction ordered by sequence.
func (idx *txIndex) liveRecords() []recordRef {
	var refs []recordRef
	for _, e := range idx.byID {
		refs = append(refs, e.records...)
	}
	slices.SortFunc(refs, func(a, b recordRef) int {
		switch {
		case a.sequence < b.sequence:
			return -1
		case a.sequence > b.sequence:
			return 1
		default:
			return 0
		}
	})
	return refs
}
