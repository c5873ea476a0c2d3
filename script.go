package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/cryguy/workerpool/internal/bundle"
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/webapi"
)

// worker is the pool capability its own script sees.
var _ webapi.Binding = (*worker)(nil)

func (w *worker) ID() core.WorkerID { return w.id }

func (w *worker) Origin() string { return w.pool.origin }

func (w *worker) CreateWorker(script string) (core.WorkerID, error) {
	return w.pool.spawn(context.Background(), w.id, script, "", bundle.LoaderJS)
}

func (w *worker) SendMessage(dest core.WorkerID, p core.Payload) error {
	return w.pool.send(w.id, dest, p)
}

func (w *worker) Listen(on bool) error {
	var h core.MessageHandler
	if on {
		h = w.scriptMessage
	}
	if !w.pool.reg.SetMessageHandler(w.id, h) {
		return ErrPoolReleased
	}
	return nil
}

func (w *worker) ListenErrors(on bool) error {
	if w.id != core.OwnerID {
		return ErrNotOwner
	}
	var h core.ErrorHandler
	if on {
		h = w.scriptError
	}
	if !w.pool.reg.SetErrorHandler(w.id, h) {
		return ErrPoolReleased
	}
	return nil
}

func (w *worker) ReportUncaught(msg string) {
	w.raise(msg)
}

func (w *worker) Shutdown() error {
	if w.id != core.OwnerID {
		return ErrNotOwner
	}
	w.pool.Shutdown()
	return nil
}

// scriptMessage forwards a message to the script's onmessage.
func (w *worker) scriptMessage(msg core.Message) error {
	var thrown string
	err := w.guarded(func() (err error) {
		thrown, err = webapi.DispatchMessage(w.rt, msg)
		return err
	})
	if err != nil {
		return err
	}
	if thrown != "" {
		return errors.New(thrown)
	}
	return nil
}

// scriptError forwards an error report to the owner script's onerror.
func (w *worker) scriptError(rep core.ErrorReport) (bool, error) {
	var (
		handled bool
		thrown  string
	)
	err := w.guarded(func() (err error) {
		handled, thrown, err = webapi.DispatchError(w.rt, rep)
		return err
	})
	if err != nil {
		return false, err
	}
	if thrown != "" {
		return false, errors.New(thrown)
	}
	return handled, nil
}

// RunScript makes the owning context a script worker: src runs in a fresh
// engine with the same capabilities created workers get, plus
// shutdownPool(). RunScript then serves the owner's mailbox on the calling
// goroutine, pinned to its OS thread, until shutdown or ctx ends. A script
// that fails to initialize is returned as an *InitError.
func (p *Pool) RunScript(ctx context.Context, src string) error {
	p.ownerMu.Lock()
	defer p.ownerMu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.isShutdown() {
		return ErrShutdown
	}

	w := p.newWorker(core.OwnerID, p.owner.mb)
	defer func() {
		p.reg.SetMessageHandler(core.OwnerID, nil)
		p.reg.SetErrorHandler(core.OwnerID, nil)
		w.closeRuntime()
	}()

	if err := w.init(src, "main.js", bundle.LoaderJS); err != nil {
		return &InitError{ID: core.OwnerID, Err: err}
	}
	if err := w.loop(ctx); err != nil {
		if errors.Is(err, ErrExecutionTimeout) {
			return fmt.Errorf("owner script: %w", err)
		}
		return err
	}
	return nil
}
