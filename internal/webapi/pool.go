package webapi

import (
	"fmt"
	"strings"

	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/eventloop"
)

// poolJS defines the script-visible pool surface. Handlers live on the JS
// side; Go only learns whether one is installed so that messages to a
// worker without onmessage are dropped before touching the engine.
const poolJS = `
(function() {
	var handlers = { message: null, error: null };

	function describe(e) {
		try { return String(e) || 'Error'; } catch (_) { return 'Error'; }
	}

	// A global "function onmessage() {}" declaration replaces the accessor
	// with a data property, so the current handler is looked up each time.
	function current(name) {
		var d = Object.getOwnPropertyDescriptor(globalThis, name);
		if (d && 'value' in d) return typeof d.value === 'function' ? d.value : null;
		return handlers[name === 'onmessage' ? 'message' : 'error'];
	}

	Object.defineProperty(globalThis, 'onmessage', {
		configurable: true,
		enumerable: true,
		get: function() { return handlers.message; },
		set: function(fn) {
			handlers.message = typeof fn === 'function' ? fn : null;
			__pool_listen(handlers.message ? 1 : 0);
		}
	});

	Object.defineProperty(globalThis, 'onerror', {
		configurable: true,
		enumerable: true,
		get: function() { return handlers.error; },
		set: function(fn) {
			var next = typeof fn === 'function' ? fn : null;
			__pool_listenErrors(next ? 1 : 0);
			handlers.error = next;
		}
	});

	globalThis.createWorker = function(script) {
		return __pool_create(String(script));
	};

	globalThis.sendMessage = function(id, payload) {
		if (typeof id !== 'number' || id !== id) {
			throw new TypeError('sendMessage: worker id must be a number');
		}
		if (typeof payload === 'string') {
			__pool_send(id | 0, payload, 0);
			return;
		}
		var body = JSON.stringify(payload);
		if (body === undefined) {
			throw new TypeError('sendMessage: payload cannot be serialized');
		}
		__pool_send(id | 0, body, 1);
	};

	globalThis.__pool_uncaught = function(e) {
		__pool_reportUncaught(describe(e));
	};

	globalThis.__pool_dispatch = function(kind, sender) {
		var body = globalThis.__pool_msg_body;
		delete globalThis.__pool_msg_body;
		var fn = current('onmessage');
		if (!fn) return '';
		try {
			var data = kind === 1 ? JSON.parse(body) : body;
			var r = fn(data, sender, { text: body, body: data, sender: sender, origin: globalThis.origin });
			if (r && typeof r.then === 'function') r.then(null, globalThis.__pool_uncaught);
			return '';
		} catch (e) {
			return 'threw:' + describe(e);
		}
	};

	globalThis.__pool_dispatchError = function(sender) {
		var message = globalThis.__pool_err_message;
		delete globalThis.__pool_err_message;
		var fn = current('onerror');
		if (!fn) return 'unhandled';
		try {
			return fn({ message: message, sender: sender }) === true ? 'handled' : 'unhandled';
		} catch (e) {
			return 'threw:' + describe(e);
		}
	};

	globalThis.__pool_sync = function() {
		__pool_listen(current('onmessage') ? 1 : 0);
		if (current('onerror')) __pool_listenErrors(1);
	};
})();
`

// ownerOnlyJS is evaluated only in the owning worker.
const ownerOnlyJS = `
globalThis.shutdownPool = function() { __pool_shutdown(); };
`

// SetupPool returns a setup function that exposes b to the script as
// createWorker, sendMessage, onmessage, onerror, origin and workerId.
func SetupPool(b Binding) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__pool_create", func(script string) (int, error) {
			id, err := b.CreateWorker(script)
			return int(id), err
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__pool_send", func(dest int, body string, kind int) (int, error) {
			p := core.Payload{Kind: core.PayloadKind(kind), Body: body}
			return 0, b.SendMessage(core.WorkerID(dest), p)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__pool_listen", func(on int) (int, error) {
			return 0, b.Listen(on != 0)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__pool_listenErrors", func(on int) (int, error) {
			return 0, b.ListenErrors(on != 0)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__pool_reportUncaught", func(msg string) {
			b.ReportUncaught(msg)
		}); err != nil {
			return err
		}
		if err := rt.SetGlobal("origin", b.Origin()); err != nil {
			return fmt.Errorf("setting origin: %w", err)
		}
		if err := rt.SetGlobal("workerId", int(b.ID())); err != nil {
			return fmt.Errorf("setting workerId: %w", err)
		}
		if err := rt.Eval(poolJS); err != nil {
			return fmt.Errorf("evaluating pool bindings: %w", err)
		}
		if b.ID() != core.OwnerID {
			return nil
		}
		if err := rt.RegisterFunc("__pool_shutdown", func() (int, error) {
			return 0, b.Shutdown()
		}); err != nil {
			return err
		}
		return rt.Eval(ownerOnlyJS)
	}
}

// SyncHandlers re-reads onmessage/onerror after the initial script ran, to
// pick up handlers declared as global functions rather than assigned.
func SyncHandlers(rt core.JSRuntime) error {
	return rt.Eval("__pool_sync()")
}

// DispatchMessage invokes the script's onmessage with msg. A non-empty
// thrown result is the description of an exception the handler raised.
func DispatchMessage(rt core.JSRuntime, msg core.Message) (thrown string, err error) {
	if err := rt.SetGlobal("__pool_msg_body", msg.Payload.Body); err != nil {
		return "", fmt.Errorf("passing message body: %w", err)
	}
	res, err := rt.EvalString(fmt.Sprintf("__pool_dispatch(%d, %d)", int(msg.Payload.Kind), int(msg.Source)))
	if err != nil {
		return "", err
	}
	rt.RunMicrotasks()
	return strings.TrimPrefix(res, "threw:"), nil
}

// DispatchError invokes the script's onerror with rep. handled is true only
// when the handler returned true.
func DispatchError(rt core.JSRuntime, rep core.ErrorReport) (handled bool, thrown string, err error) {
	if err := rt.SetGlobal("__pool_err_message", rep.Message); err != nil {
		return false, "", fmt.Errorf("passing error message: %w", err)
	}
	res, err := rt.EvalString(fmt.Sprintf("__pool_dispatchError(%d)", int(rep.Source)))
	if err != nil {
		return false, "", err
	}
	rt.RunMicrotasks()
	switch {
	case res == "handled":
		return true, "", nil
	case strings.HasPrefix(res, "threw:"):
		return false, strings.TrimPrefix(res, "threw:"), nil
	default:
		return false, "", nil
	}
}
