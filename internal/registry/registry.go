// Package registry maps worker ids to per-worker state. It is the only
// cross-thread mutable map in the pool; every access goes through one mutex
// that is held for field copies only, never across a handler call.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/mailbox"
)

// Record is the state kept for one live worker. Handler fields are read and
// written through the Registry so that they are always under its lock.
type Record struct {
	ID      core.WorkerID
	Mailbox *mailbox.Mailbox
	Thread  bool // false for the owning worker, which has no pool-owned thread

	onMessage core.MessageHandler
	onError   core.ErrorHandler
	ready     bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[core.WorkerID]*Record
	nextID  core.WorkerID
}

// New creates an empty registry. The first id handed out by Allocate is
// core.OwnerID.
func New() *Registry {
	return &Registry{records: make(map[core.WorkerID]*Record)}
}

// Allocate reserves the next id. Ids are monotonic and never reused.
func (r *Registry) Allocate() core.WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Allocated returns how many ids have been handed out so far.
func (r *Registry) Allocated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.nextID)
}

// Add inserts rec under rec.ID, which must have come from Allocate.
func (r *Registry) Add(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID < 0 || rec.ID >= r.nextID {
		return fmt.Errorf("worker %d was never allocated", rec.ID)
	}
	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("worker %d already registered", rec.ID)
	}
	r.records[rec.ID] = rec
	return nil
}

// Get returns the record for id, or false for unknown and removed ids.
func (r *Registry) Get(id core.WorkerID) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove deletes the record for id and returns it.
func (r *Registry) Remove(id core.WorkerID) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	return rec, ok
}

// SetMessageHandler installs or replaces (nil removes) the message handler
// for id.
func (r *Registry) SetMessageHandler(id core.WorkerID, h core.MessageHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		rec.onMessage = h
	}
	return ok
}

// SetErrorHandler installs or replaces (nil removes) the error handler for id.
func (r *Registry) SetErrorHandler(id core.WorkerID, h core.ErrorHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		rec.onError = h
	}
	return ok
}

// Handlers returns copies of the handlers installed for id.
func (r *Registry) Handlers(id core.WorkerID) (core.MessageHandler, core.ErrorHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil, false
	}
	return rec.onMessage, rec.onError, true
}

// MarkReady records that id finished its initialization handshake.
func (r *Registry) MarkReady(id core.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		rec.ready = true
	}
	return ok
}

// Ready reports whether id is registered and initialized.
func (r *Registry) Ready(id core.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return ok && rec.ready
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Threads returns the number of live records backed by a pool-owned thread.
func (r *Registry) Threads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Thread {
			n++
		}
	}
	return n
}

// IDs returns the live ids in ascending order.
func (r *Registry) IDs() []core.WorkerID {
	r.mu.Lock()
	ids := make([]core.WorkerID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Mailboxes returns the mailboxes of every live record.
func (r *Registry) Mailboxes() []*mailbox.Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*mailbox.Mailbox, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Mailbox)
	}
	return out
}
