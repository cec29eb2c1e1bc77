package qjsbind

import (
	"strings"

	"github.com/qjsbind/qjsbind/abi"
)

const (
	outOfMemoryMarker = "out of memory"
	panicMessage      = "Internal error: Callback panicked!"
)

// exception turns the pending exception into an error. It is called right
// after the engine signalled failure, so a missing exception is an engine
// bug and reported as internal.
func (c *Context) exception(op string) error {
	return c.exceptionIn(op, c.c)
}

// exceptionIn is exception for the engine context cc, which may differ from
// the one c evaluates in when a drained job belonged to another context.
func (c *Context) exceptionIn(op string, cc abi.Context) error {
	if err := c.takeException(op, cc); err != nil {
		return err
	}
	if f, ok := c.engine.(abi.Faulter); ok && f.Fault() != nil {
		return internalError(op, f.Fault())
	}
	return internalError(op, errUnknownException)
}

// GetException takes the pending exception, if any, and returns it as an
// error of kind Exception or OutOfMemory. It returns nil when no exception
// is pending.
func (c *Context) GetException(op string) error {
	return c.takeException(op, c.c)
}

func (c *Context) takeException(op string, cc abi.Context) error {
	if c.closed || !c.engine.HasException(cc) {
		return nil
	}

	thrown := c.engine.GetException(cc)
	if thrown.IsException() {
		return internalError(op, errExceptionNotCatchable)
	}
	defer c.engine.FreeValue(cc, thrown)

	return c.thrownErrorIn(op, cc, thrown)
}

// thrownError classifies a thrown or rejected value, which is borrowed.
func (c *Context) thrownError(op string, thrown abi.Value) error {
	return c.thrownErrorIn(op, c.c, thrown)
}

func (c *Context) thrownErrorIn(op string, cc abi.Context, thrown abi.Value) error {
	message, ok := c.engine.ToGoString(cc, thrown)
	if !ok {
		// toString itself threw, that exception is of no use either.
		c.engine.FreeValue(cc, c.engine.GetException(cc))
		return internalError(op, errUnknownException)
	}

	if c.fault {
		c.fault = false
		if message == panicMessage {
			return internalError(op, errCallbackPanicked)
		}
	}

	if strings.Contains(message, outOfMemoryMarker) {
		return NewError(KindOutOfMemory).Op(op).Detail("%s", message).Build()
	}

	b := NewError(KindException).Op(op).Detail("%s", message)
	if str := c.engine.NewString(c.c, message); !str.IsException() {
		b.Value(NewOwned(c, str))
	} else {
		c.engine.FreeValue(c.c, c.engine.GetException(c.c))
	}
	return b.Build()
}
