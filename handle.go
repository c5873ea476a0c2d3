package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cryguy/workerpool/internal/bundle"
	"github.com/cryguy/workerpool/internal/core"
)

// Handle is the owning context's view of the pool. Operations act on behalf
// of the handle's worker id.
type Handle struct {
	pool   *Pool
	id     core.WorkerID
	owned  bool // holds a pool reference
	closed atomic.Bool
}

// ID returns the worker id the handle acts for.
func (h *Handle) ID() core.WorkerID { return h.id }

// Origin returns the pool's security origin.
func (h *Handle) Origin() string { return h.pool.origin }

// Pool returns the pool the handle belongs to.
func (h *Handle) Pool() *Pool { return h.pool }

// CreateWorker starts a worker running script and blocks until it has
// finished initializing. On failure the returned error is an *InitError and
// the id is not reachable by SendMessage.
func (h *Handle) CreateWorker(script string) (core.WorkerID, error) {
	return h.CreateWorkerContext(context.Background(), script)
}

// CreateWorkerContext is CreateWorker with a bound on the wait. If ctx ends
// before the handshake, the new worker is interrupted and torn down.
func (h *Handle) CreateWorkerContext(ctx context.Context, script string) (core.WorkerID, error) {
	if h.closed.Load() {
		return 0, ErrPoolReleased
	}
	return h.pool.spawn(ctx, h.id, script, "", bundle.LoaderJS)
}

// CreateWorkerFromFile reads a worker script from a local file. Files with a
// TypeScript extension are transpiled first.
func (h *Handle) CreateWorkerFromFile(path string) (core.WorkerID, error) {
	if h.closed.Load() {
		return 0, ErrPoolReleased
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading worker script: %w", err)
	}
	return h.pool.spawn(context.Background(), h.id, string(src), filepath.Base(path), bundle.LoaderForPath(path))
}

// SendMessage enqueues payload for dest and returns without waiting for it
// to be handled.
func (h *Handle) SendMessage(dest core.WorkerID, payload core.Payload) error {
	if h.closed.Load() {
		return ErrPoolReleased
	}
	return h.pool.send(h.id, dest, payload)
}

// SendText sends a plain string payload.
func (h *Handle) SendText(dest core.WorkerID, text string) error {
	return h.SendMessage(dest, core.TextPayload(text))
}

// SetMessageHandler installs the handler for messages addressed to this
// handle's id. nil removes it; messages arriving without a handler are
// dropped. Handlers run from Serve or DispatchPending.
func (h *Handle) SetMessageHandler(fn core.MessageHandler) error {
	if h.closed.Load() {
		return ErrPoolReleased
	}
	if !h.pool.reg.SetMessageHandler(h.id, fn) {
		return ErrPoolReleased
	}
	return nil
}

// SetErrorHandler installs the handler for runtime errors raised by created
// workers. Only the owner may have one.
func (h *Handle) SetErrorHandler(fn core.ErrorHandler) error {
	if h.id != core.OwnerID {
		return ErrNotOwner
	}
	if h.closed.Load() {
		return ErrPoolReleased
	}
	if !h.pool.reg.SetErrorHandler(h.id, fn) {
		return ErrPoolReleased
	}
	return nil
}

// Close releases the handle's pool reference. It is safe to call more than
// once.
func (h *Handle) Close() error {
	if !h.owned || !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.pool.releaseRef()
	return nil
}
