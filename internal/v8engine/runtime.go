//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/cryguy/workerpool/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements core.JSRuntime for the V8 engine. Each runtime owns
// its isolate, so workers never share a heap.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context

	mu     sync.Mutex
	closed bool
}

var _ core.JSRuntime = (*v8Runtime)(nil)

// New creates a fresh isolate and context. It satisfies core.NewRuntimeFunc.
func New(memoryLimitMB int) (core.JSRuntime, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8Runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *v8Runtime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, "eval_int.js")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
//
// Supported Go function signatures:
//   - func(args...): no return, JS function returns undefined
//   - func(args...) T: single return, JS function returns T
//   - func(args...) (T, error): on success returns T, on error throws TypeError
//
// Supported argument and return types: string, int, int64, float64, bool.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			r.throw(fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args)))
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)
		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			if errVal := results[1]; !errVal.IsNil() {
				r.throw(fmt.Sprintf("calling %s: %s", name, errVal.Interface().(error).Error()))
				return nil
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// throw raises a TypeError carrying msg inside the running script.
func (r *v8Runtime) throw(msg string) {
	errVal, err := r.ctx.RunScript(fmt.Sprintf("new TypeError(%s)", strconv.Quote(msg)), "throw.js")
	if err != nil {
		errVal, _ = v8.NewValue(r.iso, msg)
	}
	r.iso.ThrowException(errVal)
}

// SetGlobal sets a global variable on the JS context.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Interrupt terminates the running script. TerminateExecution is the one
// thread-safe V8 call.
func (r *v8Runtime) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.iso.TerminateExecution()
	}
}

// Close disposes of the context and isolate.
func (r *v8Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.ctx.Close()
	r.iso.Dispose()
	return nil
}

// jsToGoArg converts a V8 value to a Go reflect.Value of the expected type.
func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

// goToJSValue converts a Go reflect.Value to a V8 value.
func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	var (
		v   *v8.Value
		err error
	)
	switch val.Kind() {
	case reflect.String:
		v, err = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, err = v8.NewValue(iso, int32(val.Int()))
	case reflect.Float64, reflect.Float32:
		v, err = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, err = v8.NewValue(iso, val.Bool())
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return v
}

// goAnyToJSValue converts a Go any value to a V8 value. Values other than
// basic scalars travel as JSON.
func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(iso), nil
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int64:
		return v8.NewValue(iso, int32(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		return ctx.RunScript(fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data))), "set_global.js")
	}
}
