// Package webapi installs the host capabilities a worker script sees in its
// global namespace: the pool surface, console, and timers.
package webapi

import (
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/eventloop"
)

// SetupFunc configures a fresh runtime before the worker's script runs.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Binding is the pool capability handed to one worker's script. Every call
// acts on behalf of that worker's own id.
type Binding interface {
	ID() core.WorkerID
	Origin() string
	CreateWorker(script string) (core.WorkerID, error)
	SendMessage(dest core.WorkerID, p core.Payload) error

	// Listen installs (on) or removes the Go handler that forwards messages
	// to the script's onmessage.
	Listen(on bool) error

	// ListenErrors does the same for onerror. It fails on created workers.
	ListenErrors(on bool) error

	// ReportUncaught receives exceptions the engine could not return to a
	// caller, such as ones thrown from timer callbacks.
	ReportUncaught(msg string)

	// Shutdown begins pool shutdown. It fails on created workers.
	Shutdown() error
}

// Apply runs each setup function in order.
func Apply(rt core.JSRuntime, el *eventloop.EventLoop, fns ...SetupFunc) error {
	for _, fn := range fns {
		if err := fn(rt, el); err != nil {
			return err
		}
	}
	return nil
}
