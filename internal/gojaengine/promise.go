package gojaengine

import (
	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

func (e *Engine) PromiseState(c abi.Context, p abi.Value) abi.PromiseState {
	obj, ok := e.object(e.context(c), p)
	if !ok {
		return abi.PromisePending
	}
	promise, ok := asPromise(obj)
	if !ok {
		return abi.PromisePending
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return abi.PromiseFulfilled
	case goja.PromiseStateRejected:
		return abi.PromiseRejected
	}
	return abi.PromisePending
}

func (e *Engine) PromiseResult(c abi.Context, p abi.Value) abi.Value {
	cs := e.context(c)
	obj, ok := e.object(cs, p)
	if !ok {
		return abi.Undefined
	}
	promise, ok := asPromise(obj)
	if !ok || promise.State() == goja.PromiseStatePending {
		return abi.Undefined
	}
	return e.wrap(cs, promise.Result())
}

// invoke calls the method name of target.
func (e *Engine) invoke(c abi.Context, target abi.Value, name string, args ...abi.Value) abi.Value {
	cs := e.context(c)
	receiver := e.unwrap(cs, target)
	values := e.unwrapAll(cs, args)
	return e.run(cs, true, func() (goja.Value, error) {
		var method goja.Callable
		ex := cs.vm.Try(func() {
			fn := receiver.ToObject(cs.vm).Get(name)
			var ok bool
			if method, ok = goja.AssertFunction(fn); !ok {
				panic(cs.vm.NewTypeError("%s is not a function", name))
			}
		})
		if ex != nil {
			return nil, ex
		}
		return method(receiver, values...)
	})
}

func (e *Engine) promiseConstructor(c abi.Context) abi.Value {
	cs := e.context(c)
	return e.wrap(cs, cs.vm.Get("Promise"))
}

func (e *Engine) static(c abi.Context, name string, arg abi.Value) abi.Value {
	ctor := e.promiseConstructor(c)
	defer e.FreeValue(c, ctor)
	return e.invoke(c, ctor, name, arg)
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
	cs := e.context(c)
	promise, resolve, reject := cs.vm.NewPromise()

	settle := func(fn func(any) error) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if err := fn(call.Argument(0)); err != nil {
				panic(cs.vm.NewGoError(err))
			}
			return goja.Undefined()
		}
	}

	obj := cs.vm.NewObject()
	_ = obj.Set("promise", promise)
	_ = obj.Set("resolve", settle(resolve))
	_ = obj.Set("reject", settle(reject))
	return e.wrap(cs, obj)
}
