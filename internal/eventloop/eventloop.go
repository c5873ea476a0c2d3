package eventloop

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cryguy/workerpool/internal/core"
)

// minInterval is the floor applied to setInterval periods.
const minInterval = 10 * time.Millisecond

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// EventLoop tracks Go-backed timers for one worker. Registration may happen
// from script callbacks; firing happens on the worker's dispatch loop.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
	now    func() time.Time
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		now:    time.Now,
	}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: el.now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// NextDeadline returns the earliest pending deadline.
func (el *EventLoop) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// due collects timers whose deadline has passed, in deadline order, and
// reschedules intervals.
func (el *EventLoop) due() []int {
	el.mu.Lock()
	defer el.mu.Unlock()
	now := el.now()
	var ready []*timerEntry
	for _, t := range el.timers {
		if !t.deadline.After(now) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].deadline.Equal(ready[j].deadline) {
			return ready[i].id < ready[j].id
		}
		return ready[i].deadline.Before(ready[j].deadline)
	})
	ids := make([]int, len(ready))
	for i, t := range ready {
		ids[i] = t.id
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
	}
	return ids
}

// RunDue fires every timer that is due and returns the description of each
// exception a callback threw. Must be called on the runtime's goroutine.
func (el *EventLoop) RunDue(rt core.JSRuntime) []string {
	var failures []string
	for _, id := range el.due() {
		if msg := el.fireTimer(rt, id); msg != "" {
			failures = append(failures, msg)
		}
		rt.RunMicrotasks()
	}
	return failures
}

// fireTimer invokes the JS-side callback. A callback cleared by an earlier
// callback in the same batch is skipped on the JS side.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) string {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks && globalThis.__timerCallbacks[%d];
		if (!entry) return '';
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		try {
			entry.fn.apply(null, entry.args || []);
			return '';
		} catch (e) {
			try { return String(e) || 'Error'; } catch (_) { return 'Error'; }
		}
	})()`, id, id)
	msg, err := rt.EvalString(js)
	if err != nil {
		return err.Error()
	}
	return msg
}

// HasPending returns true if there are any active timers.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset clears all timers.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
