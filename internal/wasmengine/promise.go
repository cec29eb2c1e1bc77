package wasmengine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/qjsbind/qjsbind/abi"
)

// PromiseState maps JS_PromiseState. Values that are no promise report
// pending, as on the goja backend.
func (e *Engine) PromiseState(c abi.Context, p abi.Value) abi.PromiseState {
	if !p.IsObject() {
		return abi.PromisePending
	}
	switch api.DecodeI32(e.call(exportPromiseState, uint64(c), encode(p))) {
	case 1:
		return abi.PromiseFulfilled
	case 2:
		return abi.PromiseRejected
	}
	return abi.PromisePending
}

func (e *Engine) PromiseResult(c abi.Context, p abi.Value) abi.Value {
	if e.PromiseState(c, p) == abi.PromisePending {
		return abi.Undefined
	}
	return e.value(exportPromiseResult, uint64(c), encode(p))
}

// invoke calls the method name of target with borrowed arguments.
func (e *Engine) invoke(c abi.Context, target abi.Value, name string, args ...abi.Value) abi.Value {
	method := e.GetPropertyStr(c, target, name)
	if method.IsException() {
		return method
	}
	defer e.FreeValue(c, method)
	if !e.IsFunction(c, method) {
		return e.ThrowError(c, "TypeError", name+" is not a function")
	}
	return e.Call(c, method, target, args)
}

func (e *Engine) static(c abi.Context, name string, args ...abi.Value) abi.Value {
	global := e.GetGlobalObject(c)
	defer e.FreeValue(c, global)
	ctor := e.GetPropertyStr(c, global, "Promise")
	if ctor.IsException() {
		return ctor
	}
	defer e.FreeValue(c, ctor)
	return e.invoke(c, ctor, name, args...)
}

func (e *Engine) PromiseThen(c abi.Context, p, onFulfilled abi.Value) abi.Value {
	return e.invoke(c, p, "then", onFulfilled)
}

func (e *Engine) PromiseThen2(c abi.Context, p, onFulfilled, onRejected abi.Value) abi.Value {
	return e.invoke(c, p, "then", onFulfilled, onRejected)
}

func (e *Engine) PromiseCatch(c abi.Context, p, onRejected abi.Value) abi.Value {
	return e.invoke(c, p, "catch", onRejected)
}

func (e *Engine) PromiseFinally(c abi.Context, p, onFinally abi.Value) abi.Value {
	return e.invoke(c, p, "finally", onFinally)
}

func (e *Engine) PromiseResolve(c abi.Context, v abi.Value) abi.Value {
	return e.static(c, "resolve", v)
}

func (e *Engine) PromiseReject(c abi.Context, v abi.Value) abi.Value {
	return e.static(c, "reject", v)
}

func (e *Engine) PromiseAll(c abi.Context, iterable abi.Value) abi.Value {
	return e.static(c, "all", iterable)
}

func (e *Engine) PromiseAllSettled(c abi.Context, iterable abi.Value) abi.Value {
	return e.static(c, "allSettled", iterable)
}

func (e *Engine) PromiseRace(c abi.Context, iterable abi.Value) abi.Value {
	return e.static(c, "race", iterable)
}

func (e *Engine) PromiseAny(c abi.Context, iterable abi.Value) abi.Value {
	return e.static(c, "any", iterable)
}

func (e *Engine) PromiseWithResolvers(c abi.Context) abi.Value {
	return e.static(c, "withResolvers")
}
