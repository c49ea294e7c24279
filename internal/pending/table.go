// Package pending tracks shapes whose durable identity is not yet known.
// Each entry is keyed by the client-generated temp id and buffers update
// payloads that arrive before the create has been persisted. A delete turns
// the entry into a tombstone instead of queueing: the persistence path checks
// for that and aborts or rolls back the insert.
package pending

import (
	"sync"

	"canvas-sync-server/internal/model"
)

type entry struct {
	id      string
	ops     []model.ShapePayload
	deleted bool
}

type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Add creates a fresh entry for tempID. Called the instant a create mutation
// is accepted, before the asynchronous persistence call starts.
func (t *Table) Add(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tempID] = &entry{}
}

// QueueUpdate buffers an update for an unconfirmed shape. Returns false when
// there is no live entry (unknown tempID or already tombstoned); the ops list
// only ever holds update payloads.
func (t *Table) QueueUpdate(tempID string, op model.ShapePayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[tempID]
	if !ok || e.deleted {
		return false
	}
	e.ops = append(e.ops, op)
	return true
}

// Tombstone records delete intent for an unconfirmed shape and discards its
// queued ops. Returns false when tempID is unknown.
func (t *Table) Tombstone(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[tempID]
	if !ok {
		return false
	}
	e.deleted = true
	e.ops = nil
	return true
}

// Doomed reports whether a create for tempID must not be (or remain)
// persisted: the entry is gone or carries delete intent.
func (t *Table) Doomed(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[tempID]
	return !ok || e.deleted
}

// Confirm resolves tempID to its durable id. When the entry is still live it
// is removed and its queued ops returned for replay. When it is missing or
// tombstoned the entry is discarded and ok is false: the caller must treat
// the just-persisted shape as deleted and compensate.
func (t *Table) Confirm(tempID, id string) (ops []model.ShapePayload, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[tempID]
	delete(t.entries, tempID)
	if !exists || e.deleted {
		return nil, false
	}
	e.id = id
	return e.ops, true
}

// Remove discards the entry without confirming, used when persistence failed
// or was aborted.
func (t *Table) Remove(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tempID)
}

// Has reports whether a live or tombstoned entry exists for tempID.
func (t *Table) Has(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[tempID]
	return ok
}
