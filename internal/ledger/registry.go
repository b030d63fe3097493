package ledger

import "time"

// MapRegistry is a map-backed Registry. It holds no lock of its own.
type MapRegistry struct {
	records map[string]EventRecord
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{records: make(map[string]EventRecord)}
}

func (r *MapRegistry) IsApplied(eventID string) bool {
	_, ok := r.records[eventID]
	return ok
}

func (r *MapRegistry) MarkApplied(rec EventRecord) {
	r.records[rec.EventID] = rec
}

// Prune forgets records applied before the cutoff and returns how many were
// removed.
func (r *MapRegistry) Prune(before time.Time) int {
	n := 0
	for id, rec := range r.records {
		if rec.AppliedAt.Before(before) {
			delete(r.records, id)
			n++
		}
	}
	return n
}

// Records returns a copy of the remembered events.
func (r *MapRegistry) Records() []EventRecord {
	out := make([]EventRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

var _ Registry = (*MapRegistry)(nil)
