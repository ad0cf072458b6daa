package storage

import (
	"sync"

	"github.com/Latency-Zero/server/pkg/types"
)

// TriggerTable is the ephemeral mirror of in-flight trigger records. It
// exists for debugging and recovery inspection only; records are never
// replayed across restarts. The router owns the authoritative copies.
type TriggerTable struct {
	mu      sync.RWMutex
	records map[string]*types.TriggerRecord
}

// NewTriggerTable creates an empty table.
func NewTriggerTable() *TriggerTable {
	return &TriggerTable{records: make(map[string]*types.TriggerRecord)}
}

// Put inserts or replaces a record.
func (t *TriggerTable) Put(rec *types.TriggerRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ID] = rec
}

// Get returns the record for id, or nil.
func (t *TriggerTable) Get(id string) *types.TriggerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[id]
}

// Delete removes a record.
func (t *TriggerTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// List returns a snapshot of all records.
func (t *TriggerTable) List() []*types.TriggerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	recs := make([]*types.TriggerRecord, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec)
	}
	return recs
}

// Len returns the current record count.
func (t *TriggerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
