package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) that backs a
// single worker. A JSRuntime is confined to the goroutine that created it;
// only Interrupt may be called from another goroutine.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	RunMicrotasks()

	// Interrupt aborts the script currently executing, if any. Safe to
	// call from any goroutine.
	Interrupt()

	// Close releases the engine. The runtime must not be used afterwards.
	Close() error
}

// NewRuntimeFunc creates a fresh, isolated JSRuntime. memoryLimitMB <= 0
// means no limit.
type NewRuntimeFunc func(memoryLimitMB int) (JSRuntime, error)
