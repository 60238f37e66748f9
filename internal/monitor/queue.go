package monitor

import "github.com/wolfeidau/calsync/internal/models"

// ring is a fixed-capacity FIFO that overwrites the oldest entry when full.
type ring struct {
	buf  []models.ChangeRecord
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.ChangeRecord, capacity)}
}

// push appends rec, returning true when the oldest entry was dropped to
// make room.
func (r *ring) push(rec models.ChangeRecord) bool {
	if len(r.buf) == 0 {
		return true
	}

	if r.size == len(r.buf) {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % len(r.buf)
		return true
	}

	r.buf[(r.head+r.size)%len(r.buf)] = rec
	r.size++
	return false
}

func (r *ring) pop() (models.ChangeRecord, bool) {
	if r.size == 0 {
		return models.ChangeRecord{}, false
	}
	rec := r.buf[r.head]
	r.buf[r.head] = models.ChangeRecord{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return rec, true
}

func (r *ring) drain() []models.ChangeRecord {
	out := make([]models.ChangeRecord, 0, r.size)
	for {
		rec, ok := r.pop()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func (r *ring) len() int {
	return r.size
}
