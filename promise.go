package qjsbind

import (
	"errors"

	"github.com/qjsbind/qjsbind/abi"
)

// Promise is a view of a native promise or of a thenable.
type Promise struct {
	Object
}

func (p *Promise) IntoValue() *OwnedValue {
	return p.OwnedValue
}

// State reports the settlement state. Thenables that are not native
// promises always report pending.
func (p *Promise) State() abi.PromiseState {
	return p.ctx.engine.PromiseState(p.ctx.c, p.value)
}

// Result returns the settlement value, or undefined while pending.
func (p *Promise) Result() (*OwnedValue, error) {
	return p.ctx.wrap("promise result", p.ctx.engine.PromiseResult(p.ctx.c, p.value))
}

// Then attaches onFulfilled, which is borrowed.
func (p *Promise) Then(onFulfilled *Function) (*Promise, error) {
	return p.ctx.wrapPromise("then", p.ctx.engine.PromiseThen(p.ctx.c, p.value, onFulfilled.value))
}

// Then2 attaches both handlers, which are borrowed.
func (p *Promise) Then2(onFulfilled, onRejected *Function) (*Promise, error) {
	return p.ctx.wrapPromise("then", p.ctx.engine.PromiseThen2(p.ctx.c, p.value, onFulfilled.value, onRejected.value))
}

func (p *Promise) Catch(onRejected *Function) (*Promise, error) {
	return p.ctx.wrapPromise("catch", p.ctx.engine.PromiseCatch(p.ctx.c, p.value, onRejected.value))
}

func (p *Promise) Finally(onFinally *Function) (*Promise, error) {
	return p.ctx.wrapPromise("finally", p.ctx.engine.PromiseFinally(p.ctx.c, p.value, onFinally.value))
}

// Await drives the promise to settlement and returns its value. The
// promise stays owned by the caller.
func (p *Promise) Await() (*OwnedValue, error) {
	return p.ctx.await("await", p.Clone())
}

func (c *Context) wrapPromise(op string, raw abi.Value) (*Promise, error) {
	v, err := c.wrap(op, raw)
	if err != nil {
		return nil, err
	}
	p, err := v.IntoPromise()
	if err != nil {
		v.Free()
		return nil, err
	}
	return p, nil
}

// PromiseResolve returns Promise.resolve(value). value is borrowed.
func (c *Context) PromiseResolve(value *OwnedValue) (*Promise, error) {
	return c.wrapPromise("promise resolve", c.engine.PromiseResolve(c.c, value.value))
}

// PromiseReject returns Promise.reject(reason). reason is borrowed.
func (c *Context) PromiseReject(reason *OwnedValue) (*Promise, error) {
	return c.wrapPromise("promise reject", c.engine.PromiseReject(c.c, reason.value))
}

// PromiseAll returns Promise.all over promises, which are borrowed.
func (c *Context) PromiseAll(promises ...*Promise) (*Promise, error) {
	return c.combine("promise all", c.engine.PromiseAll, promises)
}

func (c *Context) PromiseAllSettled(promises ...*Promise) (*Promise, error) {
	return c.combine("promise all settled", c.engine.PromiseAllSettled, promises)
}

func (c *Context) PromiseRace(promises ...*Promise) (*Promise, error) {
	return c.combine("promise race", c.engine.PromiseRace, promises)
}

func (c *Context) PromiseAny(promises ...*Promise) (*Promise, error) {
	return c.combine("promise any", c.engine.PromiseAny, promises)
}

func (c *Context) combine(op string, combinator func(abi.Context, abi.Value) abi.Value, promises []*Promise) (*Promise, error) {
	values := make([]*OwnedValue, len(promises))
	for i, p := range promises {
		values[i] = p.Clone()
	}
	iterable, err := c.NewArrayOf(values...)
	if err != nil {
		return nil, err
	}
	defer iterable.Free()
	return c.wrapPromise(op, combinator(c.c, iterable.value))
}

// NewPromise creates a pending promise together with the functions that
// settle it.
func (c *Context) NewPromise() (*Promise, *Function, *Function, error) {
	v, err := c.wrap("new promise", c.engine.PromiseWithResolvers(c.c))
	if err != nil {
		return nil, nil, nil, err
	}
	defer v.Free()

	resolvers, err := v.IntoObject()
	if err != nil {
		return nil, nil, nil, internalError("new promise", err)
	}

	promise, err := resolvers.resolverPart("promise")
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := promise.IntoPromise()
	if err != nil {
		promise.Free()
		return nil, nil, nil, internalError("new promise", err)
	}

	resolve, err := resolvers.resolverCallable("resolve")
	if err != nil {
		p.Free()
		return nil, nil, nil, err
	}
	reject, err := resolvers.resolverCallable("reject")
	if err != nil {
		p.Free()
		resolve.Free()
		return nil, nil, nil, err
	}
	return p, resolve, reject, nil
}

// resolverPart reads a property the engine guarantees. Its absence is
// reported as internal.
func (o *Object) resolverPart(name string) (*OwnedValue, error) {
	v, err := o.PropertyRequire(name)
	if errors.Is(err, ErrNotFound) {
		return nil, internalError("new promise", err)
	}
	return v, err
}

func (o *Object) resolverCallable(name string) (*Function, error) {
	v, err := o.resolverPart(name)
	if err != nil {
		return nil, err
	}
	fn, err := v.IntoFunction()
	if err != nil {
		v.Free()
		return nil, internalError("new promise", err)
	}
	return fn, nil
}
