package qjsbind

import (
	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/js"
)

const resolverFilename = "resolver.js"

// resolve takes ownership of a handle returned by the engine and awaits it.
func (c *Context) resolve(op string, raw abi.Value) (*OwnedValue, error) {
	v, err := c.wrap(op, raw)
	if err != nil {
		return nil, err
	}
	return c.await(op, v)
}

// await consumes v. A thenable is driven to settlement by running pending
// jobs on the calling goroutine; whatever it settles with is awaited again.
// Any other value is returned as is.
//
// Jobs not reachable from the awaited chain run as well, but nothing else
// gets a chance to resolve the thenable: a chain waiting on the host fails
// with an internal error once the job queue is empty.
func (c *Context) await(op string, v *OwnedValue) (*OwnedValue, error) {
	for v.IsObject() {
		obj := &Object{OwnedValue: v}
		if !obj.IsPromise() {
			break
		}

		settled, err := c.settle(op, obj)
		obj.Free()
		if err != nil {
			return nil, err
		}
		v = settled
	}
	return v, nil
}

// settle waits for a thenable, which stays owned by the caller.
func (c *Context) settle(op string, thenable *Object) (*OwnedValue, error) {
	if c.engine.IsPromise(c.c, thenable.value) {
		switch c.engine.PromiseState(c.c, thenable.value) {
		case abi.PromiseFulfilled:
			return c.wrap(op, c.engine.PromiseResult(c.c, thenable.value))
		case abi.PromiseRejected:
			reason := c.engine.PromiseResult(c.c, thenable.value)
			defer c.engine.FreeValue(c.c, reason)
			return nil, c.thrownError(op, reason)
		}
	}

	resolver, err := c.resolverFunction()
	if err != nil {
		return nil, err
	}

	// Every resolution gets its own state, so a nested one started from a
	// job cannot clobber this one.
	state, err := c.NewObject()
	if err != nil {
		return nil, err
	}
	defer state.Free()

	result, err := resolver.Call(thenable.Clone(), state.Clone())
	if err != nil {
		return nil, err
	}
	result.Free()

	c.logger.Debug("resolver loop entered", zap.String("op", op))

	drained := 0
	for {
		done, err := state.Property("done")
		if err != nil {
			return nil, err
		}
		settled := done != nil && done.IsBool() && done.value.Bool()
		done.Free()
		if settled {
			break
		}

		status, err := c.runJob(op)
		if err != nil {
			return nil, err
		}
		if status == 0 {
			c.logger.Debug("resolver loop starved", zap.String("op", op), zap.Int("jobs", drained))
			return nil, internalError(op, errNoPendingJobs)
		}
		drained++
	}

	c.logger.Debug("resolver loop left", zap.String("op", op), zap.Int("jobs", drained))

	ok, err := state.Property("ok")
	if err != nil {
		return nil, err
	}
	fulfilled := ok != nil && ok.IsBool() && ok.value.Bool()
	ok.Free()

	value, err := c.wrap(op, c.engine.GetPropertyStr(c.c, state.value, "value"))
	if err != nil {
		return nil, err
	}
	if fulfilled {
		return value, nil
	}
	defer value.Free()
	return nil, c.thrownError(op, value.value)
}

// resolverFunction compiles the resolver snippet once per context.
func (c *Context) resolverFunction() (*Function, error) {
	if c.resolver != nil {
		return c.resolver, nil
	}

	v, err := c.wrap("resolver", c.engine.Eval(c.c, js.Resolver, resolverFilename, abi.EvalGlobal))
	if err != nil {
		return nil, err
	}
	fn, err := v.IntoFunction()
	if err != nil {
		v.Free()
		return nil, err
	}
	c.resolver = fn
	return fn, nil
}
