package pipeline

import (
	"container/heap"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
)

// Priority orders operations in the queue. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SyncOperation is one queued unit of pipeline work.
type SyncOperation struct {
	OperationID string
	Change      models.ChangeRecord
	Priority    Priority
	RetryCount  int
	MaxRetries  int
	EnqueuedAt  time.Time

	seq uint64
}

// opHeap is a max-heap on priority, FIFO within a priority.
type opHeap []*SyncOperation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) { *h = append(*h, x.(*SyncOperation)) }

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}

func (h *opHeap) push(op *SyncOperation) { heap.Push(h, op) }

func (h *opHeap) pop() *SyncOperation {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*SyncOperation)
}
