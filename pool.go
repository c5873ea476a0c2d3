// Package workerpool runs independent script workers, each on its own
// dedicated OS thread, that cooperate only by asynchronous message passing.
//
// A Pool is created by its owning context, which is worker 0. The owner
// creates workers from script text, sends them messages and receives their
// uncaught runtime errors. Workers may create further workers and message
// any live id, but only the owner sees errors and may shut the pool down.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/mailbox"
	"github.com/cryguy/workerpool/internal/registry"
)

// Pool is the controller shared by every worker created from one owning
// context. It is released when the owner's handles are closed and every
// worker thread has exited.
type Pool struct {
	cfg        core.EngineConfig
	origin     string
	log        *zap.Logger
	newRuntime core.NewRuntimeFunc
	onTopLevel func(error)
	onHandled  func(core.ErrorReport)
	registerer prometheus.Registerer
	metrics    *metrics
	stats      poolCounters

	reg   *registry.Registry
	owner *worker

	// ownerMu serializes Serve, DispatchPending and RunScript so the owner's
	// handlers never run concurrently.
	ownerMu sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shuttingDown atomic.Bool

	refs     atomic.Int64
	live     atomic.Int64
	done     chan struct{}
	doneOnce sync.Once

	ownerHandle *Handle
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Live             int    // created workers whose thread is running
	Created          uint64 // workers that completed initialization
	Failed           uint64 // workers that failed initialization
	Delivered        uint64 // messages accepted into a mailbox
	DeliveryFailures uint64 // SendMessage calls that returned an error
	Dropped          uint64 // messages discarded without reaching a handler
	Bubbled          uint64 // runtime errors forwarded to the owner
	TopLevel         uint64 // runtime errors raised to the hosting environment
	ShuttingDown     bool
}

// New creates the pool for an owning context. The owner record (id 0) exists
// as soon as New returns, and the returned pool holds one reference on
// behalf of Owner().
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		cfg:        core.DefaultEngineConfig(),
		log:        zap.NewNop(),
		newRuntime: defaultRuntime,
		reg:        registry.New(),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.onTopLevel == nil {
		log := p.log
		p.onTopLevel = func(err error) {
			log.Error("uncaught worker error", zap.Error(err))
		}
	}

	m, err := newMetrics(p.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	p.metrics = m
	p.stats.bind(m)

	id := p.reg.Allocate()
	mb := mailbox.New(p.cfg.MailboxSize)
	if err := p.reg.Add(&registry.Record{ID: id, Mailbox: mb}); err != nil {
		return nil, fmt.Errorf("registering owner: %w", err)
	}
	p.reg.MarkReady(id)
	p.owner = p.newWorker(id, mb)

	p.refs.Store(1)
	p.ownerHandle = &Handle{pool: p, id: id, owned: true}

	p.log.Debug("worker pool created",
		zap.String("origin", p.origin),
		zap.Int("max_workers", p.cfg.MaxWorkers),
		zap.Int("memory_limit_mb", p.cfg.MemoryLimitMB))
	return p, nil
}

// Owner returns the owning worker's handle. Closing it releases the
// reference New took.
func (p *Pool) Owner() *Handle {
	return p.ownerHandle
}

// Acquire takes an additional reference to the pool and returns an owner
// handle that carries it.
func (p *Pool) Acquire() (*Handle, error) {
	if !p.acquireRef() {
		return nil, ErrPoolReleased
	}
	return &Handle{pool: p, id: core.OwnerID, owned: true}, nil
}

// Serve runs the owner's dispatch loop on the calling goroutine: queued
// messages go to the owner's message handler and error reports to its error
// handler. It returns nil once shutdown is observed, or ctx.Err().
func (p *Pool) Serve(ctx context.Context) error {
	p.ownerMu.Lock()
	defer p.ownerMu.Unlock()
	return p.owner.loop(ctx)
}

// DispatchPending handles whatever is queued for the owner without
// blocking and returns the number of entries taken from the mailbox. It
// returns 0 if the owner is already being served elsewhere.
func (p *Pool) DispatchPending() int {
	if !p.ownerMu.TryLock() {
		return 0
	}
	defer p.ownerMu.Unlock()
	entries := p.owner.mb.DrainAll()
	p.owner.dispatch(entries)
	return len(entries)
}

// Shutdown begins pool shutdown. It returns immediately: every worker's
// dispatch loop exits the next time it observes the signal, and further
// creations and sends fail with ErrShutdown. A worker that is busy in a
// handler is not interrupted. Calling Shutdown more than once is a no-op.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.shuttingDown.Store(true)
		close(p.shutdownCh)
		for _, mb := range p.reg.Mailboxes() {
			mb.Close()
		}
		p.log.Info("worker pool shutting down", zap.Int("live_workers", p.reg.Threads()))
	})
}

// Done is closed once the last reference to the pool has been released.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until Done is closed or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Live:             int(p.live.Load()),
		Created:          p.stats.created.load(),
		Failed:           p.stats.failed.load(),
		Delivered:        p.stats.delivered.load(),
		DeliveryFailures: p.stats.deliveryFailures.load(),
		Dropped:          p.stats.dropped.load(),
		Bubbled:          p.stats.bubbled.load(),
		TopLevel:         p.stats.topLevel.load(),
		ShuttingDown:     p.isShutdown(),
	}
}

func (p *Pool) isShutdown() bool {
	return p.shuttingDown.Load()
}

// acquireRef fails once the count has reached zero; a released pool is
// never revived.
func (p *Pool) acquireRef() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *Pool) releaseRef() {
	if p.refs.Add(-1) == 0 {
		p.destroy()
	}
}

// destroy runs when the last reference is released. Every worker thread
// holds a reference, so none is running at this point.
func (p *Pool) destroy() {
	p.doneOnce.Do(func() {
		p.Shutdown()
		if rec, ok := p.reg.Remove(core.OwnerID); ok {
			rec.Mailbox.Close()
			p.owner.discard(rec.Mailbox.DrainAll())
		}
		p.log.Debug("worker pool released")
		close(p.done)
	})
}

// send is SendMessage on behalf of src. It never waits on the receiver.
func (p *Pool) send(src, dest core.WorkerID, payload core.Payload) error {
	err := p.enqueue(src, dest, payload)
	if err != nil {
		p.stats.deliveryFailures.add(1)
		return err
	}
	p.stats.delivered.add(1)
	return nil
}

func (p *Pool) enqueue(src, dest core.WorkerID, payload core.Payload) error {
	if p.isShutdown() {
		return ErrShutdown
	}
	rec, ok := p.reg.Get(dest)
	if !ok {
		return fmt.Errorf("sending to worker %d: %w", dest, ErrUnknownDestination)
	}
	msg := core.Message{Source: src, Payload: payload, Origin: p.origin}
	if err := rec.Mailbox.Enqueue(mailbox.MessageEntry(msg)); err != nil {
		if !errors.Is(err, mailbox.ErrClosed) {
			return err
		}
		if p.isShutdown() {
			return ErrShutdown
		}
		// The receiver is exiting.
		return fmt.Errorf("sending to worker %d: %w", dest, ErrUnknownDestination)
	}
	return nil
}

// reserveSlot enforces EngineConfig.MaxWorkers.
func (p *Pool) reserveSlot() bool {
	limit := int64(p.cfg.MaxWorkers)
	for {
		n := p.live.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			p.metrics.setLive(int(n + 1))
			return true
		}
	}
}

func (p *Pool) releaseSlot() {
	p.metrics.setLive(int(p.live.Add(-1)))
}
