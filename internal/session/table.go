package session

import "sync"

// Table is a concurrent map from session id to Record. Mutations hold the
// table lock only long enough to touch the map; everything per-session
// happens under the record's own lock so unrelated sessions never serialize
// on each other.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Add inserts r, keyed by its ID.
func (t *Table) Add(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.ID] = r
}

// Get looks up a record by id. A miss is an expected outcome, not an error.
func (t *Table) Get(id string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

// Remove deletes the record with the given id, if present.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// List returns a snapshot of all records, in no particular order.
func (t *Table) List() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Len reports the number of tracked records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
