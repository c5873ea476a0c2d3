package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/workerpool/internal/bundle"
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/eventloop"
	"github.com/cryguy/workerpool/internal/mailbox"
	"github.com/cryguy/workerpool/internal/registry"
	"github.com/cryguy/workerpool/internal/webapi"
)

// Handshake states. The creator and the new thread race to move a worker
// out of stateInit; whoever wins decides whether the worker lives.
const (
	stateInit int32 = iota
	stateReady
	stateFailed
	stateAbandoned
)

var errAbandoned = errors.New("creator stopped waiting")

// worker is the per-thread state of one worker. Apart from rt (guarded by
// rtMu for Interrupt) every field is only touched by the worker's own
// goroutine.
type worker struct {
	pool *Pool
	id   core.WorkerID
	mb   *mailbox.Mailbox
	log  *zap.Logger

	rtMu sync.Mutex
	rt   core.JSRuntime // nil for an owner served from Go
	el   *eventloop.EventLoop

	state atomic.Int32
	fatal error // set when the engine can no longer be trusted
}

func (p *Pool) newWorker(id core.WorkerID, mb *mailbox.Mailbox) *worker {
	return &worker{
		pool: p,
		id:   id,
		mb:   mb,
		log:  p.log.With(zap.Int("worker_id", int(id))),
	}
}

// spawn creates a worker on behalf of creator and waits for its handshake.
func (p *Pool) spawn(ctx context.Context, creator core.WorkerID, script, name string, loader bundle.Loader) (core.WorkerID, error) {
	if p.isShutdown() {
		return 0, ErrShutdown
	}
	if !p.reserveSlot() {
		return 0, ErrTooManyWorkers
	}
	if !p.acquireRef() {
		p.releaseSlot()
		return 0, ErrPoolReleased
	}

	id := p.reg.Allocate()
	mb := mailbox.New(p.cfg.MailboxSize)
	if err := p.reg.Add(&registry.Record{ID: id, Mailbox: mb, Thread: true}); err != nil {
		p.releaseSlot()
		p.releaseRef()
		return 0, fmt.Errorf("registering worker %d: %w", id, err)
	}
	if p.isShutdown() {
		// Shutdown may have closed mailboxes before this one was added.
		p.reg.Remove(id)
		mb.Close()
		p.releaseSlot()
		p.releaseRef()
		return 0, ErrShutdown
	}
	if name == "" {
		name = fmt.Sprintf("worker-%d.js", id)
	}

	w := p.newWorker(id, mb)
	w.log.Debug("creating worker", zap.Int("creator", int(creator)))

	ready := make(chan error, 1)
	go w.run(script, name, loader, ready)

	select {
	case err := <-ready:
		return p.handshakeResult(w, err)
	case <-ctx.Done():
		if w.state.CompareAndSwap(stateInit, stateAbandoned) {
			// The id must be unreachable before the creator sees the
			// failure. The thread tears down the rest.
			p.reg.Remove(id)
			mb.Close()
			w.interrupt()
			p.stats.failed.add(1)
			return 0, &InitError{ID: id, Err: ctx.Err()}
		}
		// The worker finished first; its signal is already on its way.
		return p.handshakeResult(w, <-ready)
	}
}

func (p *Pool) handshakeResult(w *worker, err error) (core.WorkerID, error) {
	if err != nil {
		p.stats.failed.add(1)
		w.log.Warn("worker failed to initialize", zap.Error(err))
		return 0, &InitError{ID: w.id, Err: err}
	}
	p.stats.created.add(1)
	return w.id, nil
}

// run is the body of a created worker's thread.
func (w *worker) run(script, name string, loader bundle.Loader, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.pool.releaseRef()

	err := w.init(script, name, loader)
	if err == nil {
		if !w.state.CompareAndSwap(stateInit, stateReady) {
			err = errAbandoned
		}
	} else {
		w.state.CompareAndSwap(stateInit, stateFailed)
	}
	if err != nil {
		// The record must be gone before the creator is told.
		w.teardown()
		ready <- err
		return
	}

	w.pool.reg.MarkReady(w.id)
	ready <- nil

	if err := w.loop(context.Background()); err != nil {
		w.log.Warn("worker terminated", zap.Error(err))
	}
	w.teardown()
	w.log.Debug("worker exited")
}

// init builds the engine, installs the host capabilities and evaluates the
// worker's script.
func (w *worker) init(script, name string, loader bundle.Loader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	src, err := bundle.Prepare(script, name, loader, w.pool.cfg.MaxScriptSizeKB)
	if err != nil {
		return err
	}
	return w.start(src)
}

// start creates the engine and runs src in it.
func (w *worker) start(src string) error {
	rt, err := w.pool.newRuntime(w.pool.cfg.MemoryLimitMB)
	if err != nil {
		return fmt.Errorf("creating script engine: %w", err)
	}
	w.rtMu.Lock()
	w.rt = rt
	abandoned := w.state.Load() == stateAbandoned
	w.rtMu.Unlock()
	if abandoned {
		return errAbandoned
	}
	defer w.watchAbandon()()

	w.el = eventloop.New()
	if err := webapi.Apply(rt, w.el,
		webapi.SetupConsole(w.log),
		webapi.SetupTimers,
		webapi.SetupPool(w),
		webapi.SetupReportError,
	); err != nil {
		return fmt.Errorf("installing host bindings: %w", err)
	}
	if w.state.Load() == stateAbandoned {
		return errAbandoned
	}

	if err := w.guarded(func() error {
		if err := rt.Eval(src); err != nil {
			return err
		}
		rt.RunMicrotasks()
		return webapi.SyncHandlers(rt)
	}); err != nil {
		return err
	}
	if w.state.Load() == stateAbandoned {
		return errAbandoned
	}
	return nil
}

// abandonPoll is how often an initializing worker checks whether its
// creator has given up.
const abandonPoll = 5 * time.Millisecond

// watchAbandon keeps interrupting the engine once the creator abandons the
// handshake, until the returned stop func is called. A single Interrupt is
// lost if it arrives while no script is running.
func (w *worker) watchAbandon() (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(abandonPoll)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if w.state.Load() == stateAbandoned {
					w.interrupt()
				}
			}
		}
	}()
	return func() { close(done) }
}

// loop is the dispatch loop: wait for mail, a timer or shutdown, then
// handle everything that is ready. It returns when shutdown is observed,
// when ctx ends (ctx.Err()), or with the fatal error that ended the worker.
func (w *worker) loop(ctx context.Context) error {
	p := w.pool
	for {
		if p.isShutdown() {
			w.discard(w.mb.DrainAll())
			return nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if w.el != nil {
			if deadline, ok := w.el.NextDeadline(); ok {
				timer = time.NewTimer(time.Until(deadline))
				timerC = timer.C
			}
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-p.shutdownCh:
		case <-w.mb.Wake():
		case <-timerC:
		}
		stopTimer(timer)

		w.dispatch(w.mb.DrainAll())
		if w.fatal == nil && !p.isShutdown() {
			w.runTimers()
		}
		if w.fatal != nil {
			w.discard(w.mb.DrainAll())
			return w.fatal
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// dispatch hands each entry to the matching handler, in order. Once
// shutdown is observed (or the worker hits a fatal error) the rest is
// discarded.
func (w *worker) dispatch(entries []mailbox.Entry) {
	for i, e := range entries {
		if w.pool.isShutdown() || w.fatal != nil {
			w.discard(entries[i:])
			return
		}
		if e.IsError() {
			w.pool.handleReport(*e.Error)
			continue
		}
		w.deliver(*e.Message)
	}
}

func (w *worker) deliver(msg core.Message) {
	p := w.pool
	h, _, ok := p.reg.Handlers(w.id)
	if !ok || h == nil {
		p.stats.dropped.add(1)
		return
	}
	start := time.Now()
	err := callMessageHandler(h, msg)
	p.metrics.observeHandler(time.Since(start))
	if err != nil {
		w.raise(err.Error())
	}
}

func callMessageHandler(h core.MessageHandler, msg core.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return h(msg)
}

func (w *worker) runTimers() {
	if w.el == nil || w.rt == nil {
		return
	}
	var failures []string
	err := w.guarded(func() error {
		failures = w.el.RunDue(w.rt)
		return nil
	})
	for _, msg := range failures {
		w.raise(msg)
	}
	if err != nil {
		w.raise(err.Error())
	}
}

// discard drops entries that will never be handled. Error reports are still
// raised to the hosting environment.
func (w *worker) discard(entries []mailbox.Entry) {
	dropped := 0
	for _, e := range entries {
		if e.IsError() {
			w.pool.topLevel(&UncaughtError{Source: e.Error.Source, Message: e.Error.Message})
			continue
		}
		dropped++
	}
	if dropped > 0 {
		w.pool.stats.dropped.add(dropped)
		w.log.Debug("dropped undelivered messages", zap.Int("count", dropped))
	}
}

// teardown removes a created worker from the pool and releases its engine.
// It runs on the worker's own thread.
func (w *worker) teardown() {
	w.pool.reg.Remove(w.id)
	w.mb.Close()
	w.discard(w.mb.DrainAll())
	w.closeRuntime()
	w.pool.releaseSlot()
}

func (w *worker) closeRuntime() {
	w.rtMu.Lock()
	rt := w.rt
	w.rt = nil
	w.rtMu.Unlock()
	if w.el != nil {
		w.el.Reset()
	}
	if rt != nil {
		if err := rt.Close(); err != nil {
			w.log.Debug("closing script engine", zap.Error(err))
		}
	}
}

// interrupt aborts whatever script the worker is running. Safe from any
// goroutine.
func (w *worker) interrupt() {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()
	if w.rt != nil {
		w.rt.Interrupt()
	}
}

// guarded runs fn under the execution watchdog. When the watchdog fires the
// engine is interrupted and the worker is marked fatal.
func (w *worker) guarded(fn func() error) error {
	timeout := w.pool.cfg.ExecutionTimeout
	if timeout <= 0 {
		return fn()
	}
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		w.interrupt()
	})
	err := fn()
	watchdog.Stop()
	if timedOut.Load() {
		w.fatal = ErrExecutionTimeout
		return ErrExecutionTimeout
	}
	return err
}
