package workerpool

import (
	"errors"
	"fmt"

	"github.com/cryguy/workerpool/internal/core"
)

// Sentinel errors for pool operations
var (
	// ErrShutdown indicates the pool has begun shutting down
	ErrShutdown = errors.New("worker pool is shutting down")

	// ErrUnknownDestination indicates a message was addressed to an id that
	// was never allocated or whose worker has exited
	ErrUnknownDestination = errors.New("unknown destination worker")

	// ErrNotOwner indicates an owner-only operation was attempted from a
	// created worker
	ErrNotOwner = errors.New("operation is only permitted on the owning worker")

	// ErrTooManyWorkers indicates EngineConfig.MaxWorkers live workers exist
	ErrTooManyWorkers = errors.New("too many live workers")

	// ErrPoolReleased indicates every reference to the pool has been released
	ErrPoolReleased = errors.New("worker pool released")

	// ErrExecutionTimeout indicates the execution watchdog interrupted a script
	ErrExecutionTimeout = errors.New("execution timed out")
)

// InitError is returned by CreateWorker when the new worker could not
// complete its initialization. No record for ID remains in the pool.
type InitError struct {
	ID  core.WorkerID
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("worker %d: initialization failed: %v", e.ID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// UncaughtError is what the hosting environment receives for a runtime
// error nobody handled.
type UncaughtError struct {
	Source  core.WorkerID
	Message string
}

func (e *UncaughtError) Error() string {
	return fmt.Sprintf("worker %d: uncaught error: %s", e.Source, e.Message)
}
