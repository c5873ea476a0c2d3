// Package mailbox implements the per-worker inbound queue. A Mailbox is
// written by any goroutine and drained only by the goroutine that owns the
// worker.
package mailbox

import (
	"errors"
	"sync"

	"github.com/cryguy/workerpool/internal/core"
)

// ErrClosed is returned by Enqueue after the mailbox has been closed.
var ErrClosed = errors.New("mailbox closed")

// Entry is one queued item: either a data message or an error notification
// bubbled up from another worker.
type Entry struct {
	Message *core.Message
	Error   *core.ErrorReport
}

// IsError reports whether the entry is an error notification.
func (e Entry) IsError() bool { return e.Error != nil }

// MessageEntry wraps a data message.
func MessageEntry(m core.Message) Entry { return Entry{Message: &m} }

// ErrorEntry wraps an error notification.
func ErrorEntry(r core.ErrorReport) Entry { return Entry{Error: &r} }

// Mailbox is an unbounded FIFO with a one-slot wake signal.
type Mailbox struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
	wake    chan struct{}
}

// New creates an empty mailbox. sizeHint preallocates the backing slice.
func New(sizeHint int) *Mailbox {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Mailbox{
		entries: make([]Entry, 0, sizeHint),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends e to the tail and wakes the receiver. It never blocks on
// the receiver.
func (m *Mailbox) Enqueue(e Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	m.signal()
	return nil
}

// DrainAll removes and returns the current contents in FIFO order.
func (m *Mailbox) DrainAll() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	out := m.entries
	m.entries = make([]Entry, 0, cap(out))
	return out
}

// Wake returns the channel signalled whenever the mailbox may have become
// non-empty or was closed.
func (m *Mailbox) Wake() <-chan struct{} {
	return m.wake
}

// Close rejects further enqueues and wakes the receiver. Entries already
// queued stay drainable. Close is idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued entries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
