package qjsbind

import (
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
)

// MaxCallbackArity is the largest number of converted parameters a
// callback may declare. Callbacks taking Arguments accept any number.
const MaxCallbackArity = 5

// Arguments gives a variadic callback the raw arguments of a call. The
// values are owned by the call: they are released once the callback
// returns, unless the callback extracted or returned them.
type Arguments struct {
	ctx  *Context
	this *OwnedValue
	args []*OwnedValue
}

func (a Arguments) Context() *Context {
	return a.ctx
}

func (a Arguments) Len() int {
	return len(a.args)
}

// Get returns argument i, or nil when fewer arguments were passed.
func (a Arguments) Get(i int) *OwnedValue {
	if i < 0 || i >= len(a.args) {
		return nil
	}
	return a.args[i]
}

// Values returns all arguments.
func (a Arguments) Values() []*OwnedValue {
	return a.args
}

// This returns the receiver of the call.
func (a Arguments) This() *OwnedValue {
	return a.this
}

// Decode converts argument i into out.
func (a Arguments) Decode(i int, out any) error {
	v := a.Get(i)
	if v == nil {
		return conversionError("arguments", ErrInvalidArgumentCount, "argument %d not passed, got %d arguments", i, len(a.args))
	}
	return a.ctx.Decode(v, out)
}

// CustomCallback is a host function working on raw handles. The arguments
// are borrowed. The returned handle is owned by the engine; to raise, throw
// through the engine and return abi.Exception.
type CustomCallback func(c *Context, this abi.Value, args []abi.Value) abi.Value

var (
	argumentsType = reflect.TypeOf(Arguments{})
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
)

type callback struct {
	name     string
	fn       reflect.Value
	params   []reflect.Type
	variadic bool
	// result is the index of the converted result, -1 without one.
	result int
	// failure is the index of the error result, -1 without one.
	failure int
	custom  CustomCallback
}

// newCallback checks the shape of fn. Callbacks take up to
// MaxCallbackArity convertible parameters, or a single Arguments, and
// return nothing, a value, an error, or a value and an error.
func newCallback(name string, fn any) (*callback, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, conversionError("create callback", ErrUnexpectedType, "callback %s: expected a function, got %T", name, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, conversionError("create callback", ErrUnexpectedType, "callback %s: variadic functions must take qjsbind.Arguments", name)
	}

	cb := &callback{name: name, fn: v, result: -1, failure: -1}
	if t.NumIn() == 1 && t.In(0) == argumentsType {
		cb.variadic = true
	} else {
		if t.NumIn() > MaxCallbackArity {
			return nil, conversionError("create callback", ErrInvalidArgumentCount, "callback %s: takes %d parameters, at most %d are supported", name, t.NumIn(), MaxCallbackArity)
		}
		for i := 0; i < t.NumIn(); i++ {
			if t.In(i) == argumentsType {
				return nil, conversionError("create callback", ErrUnexpectedType, "callback %s: qjsbind.Arguments must be the only parameter", name)
			}
			cb.params = append(cb.params, t.In(i))
		}
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			cb.failure = 0
		} else {
			cb.result = 0
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, conversionError("create callback", ErrUnexpectedType, "callback %s: second result must be an error", name)
		}
		cb.result, cb.failure = 0, 1
	default:
		return nil, conversionError("create callback", ErrUnexpectedType, "callback %s: returns %d results, at most 2 are supported", name, t.NumOut())
	}

	return cb, nil
}

// arity is the declared length of the script function.
func (cb *callback) arity() int {
	if cb.variadic || cb.custom != nil {
		return 0
	}
	return len(cb.params)
}

// CreateCallback turns fn into a script function. Parameters are converted
// with Decode, the result with ToValue. A returned error is thrown into
// script as its message. A *OwnedValue parameter is owned by the call; a
// callback keeping it past the call clones it.
func (c *Context) CreateCallback(name string, fn any) (*Function, error) {
	cb, err := newCallback(name, fn)
	if err != nil {
		return nil, err
	}
	return c.register(cb)
}

// AddCallback creates a callback and installs it as the global name.
func (c *Context) AddCallback(name string, fn any) error {
	f, err := c.CreateCallback(name, fn)
	if err != nil {
		return err
	}
	return c.installGlobal(name, f)
}

// CreateCustomCallback turns a raw host function into a script function.
// No argument checking or conversion takes place. Panics are still
// contained.
func (c *Context) CreateCustomCallback(name string, fn CustomCallback) (*Function, error) {
	if fn == nil {
		return nil, conversionError("create custom callback", ErrUnexpectedType, "callback %s: nil function", name)
	}
	return c.register(&callback{name: name, custom: fn, result: -1, failure: -1})
}

// AddCustomCallback creates a custom callback and installs it as the global
// name.
func (c *Context) AddCustomCallback(name string, fn CustomCallback) error {
	f, err := c.CreateCustomCallback(name, fn)
	if err != nil {
		return err
	}
	return c.installGlobal(name, f)
}

func (c *Context) installGlobal(name string, f *Function) error {
	global, err := c.Global()
	if err != nil {
		f.Free()
		return err
	}
	defer global.Free()
	return global.SetProperty(name, f.IntoValue())
}

// register appends cb to the registry and creates the script function
// pointing at it. Entries are never removed before Reset or Close, since
// the engine may call the function at any later point.
func (c *Context) register(cb *callback) (*Function, error) {
	if err := c.check("create callback"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	index := len(c.callbacks)
	c.callbacks = append(c.callbacks, cb)
	c.mu.Unlock()

	c.logger.Debug("callback registered",
		zap.String("name", cb.name),
		zap.Int("index", index),
		zap.Int("arity", cb.arity()))

	data := []abi.Value{abi.Int32(int32(index))}
	v, err := c.wrap("create callback", c.engine.NewCFunctionData(c.c, c.trampoline, int32(cb.arity()), 0, data))
	if err != nil {
		return nil, err
	}
	f, err := v.IntoFunction()
	if err != nil {
		v.Free()
		return nil, internalError("create callback", err)
	}
	return f, nil
}

func (c *Context) lookup(data []abi.Value) *callback {
	if len(data) == 0 || data[0].Tag != abi.TagInt {
		return nil
	}
	index := int(data[0].Int32())

	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.callbacks) {
		return nil
	}
	return c.callbacks[index]
}

// dispatch is the trampoline every callback of the context goes through.
// It never lets a panic reach the engine.
func (c *Context) dispatch(cc abi.Context, this abi.Value, args []abi.Value, _ int32, data []abi.Value) (result abi.Value) {
	cb := c.lookup(data)
	if cb == nil || cc != c.c {
		return c.engine.ThrowError(cc, "InternalError", "callback is not registered")
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("callback panicked",
				zap.String("name", cb.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			c.fault = true
			result = c.throwMessage(panicMessage)
		}
	}()

	if cb.custom != nil {
		return cb.custom(c, this, args)
	}
	return c.invoke(cb, this, args)
}

// throwMessage throws a string and returns the exception marker.
func (c *Context) throwMessage(message string) abi.Value {
	s := c.engine.NewString(c.c, message)
	if s.IsException() {
		return s
	}
	return c.engine.Throw(c.c, s)
}

func (c *Context) invoke(cb *callback, this abi.Value, args []abi.Value) abi.Value {
	owned := make([]*OwnedValue, len(args))
	for i, arg := range args {
		owned[i] = Own(c, arg)
	}
	defer freeAll(owned)

	var in []reflect.Value
	if cb.variadic {
		receiver := Own(c, this)
		defer receiver.Free()
		in = []reflect.Value{reflect.ValueOf(Arguments{ctx: c, this: receiver, args: owned})}
	} else {
		if len(args) != len(cb.params) {
			return c.throwMessage(fmt.Sprintf("Invalid argument count: Expected %d, got %d", len(cb.params), len(args)))
		}
		in = make([]reflect.Value, len(args))
		for i, t := range cb.params {
			arg := reflect.New(t).Elem()
			if err := c.decodeArgument(owned[i], arg); err != nil {
				return c.throwMessage(fmt.Sprintf("Invalid argument %d: %s", i, errorMessage(err)))
			}
			in[i] = arg
		}
	}

	out := cb.fn.Call(in)

	if cb.failure >= 0 && !out[cb.failure].IsNil() {
		err := out[cb.failure].Interface().(error)
		return c.throwMessage(errorMessage(err))
	}
	if cb.result < 0 {
		return abi.Undefined
	}

	v, err := c.toValueConsuming(out[cb.result].Interface())
	if err != nil {
		return c.throwMessage(errorMessage(err))
	}
	return v.Extract()
}

// decodeArgument converts an argument. A *OwnedValue parameter receives
// the argument itself, views receive the argument converted in place.
func (c *Context) decodeArgument(v *OwnedValue, target reflect.Value) error {
	switch t := target.Type(); t {
	case ownedValueType:
		target.Set(reflect.ValueOf(v))
		return nil
	case objectType, arrayType, functionType, promiseType, moduleType, compiledFunctionType:
		view, err := viewOf(v, t)
		if err != nil {
			return err
		}
		target.Set(view)
		return nil
	}
	return c.decodeValue(v, target, nil)
}

// errorMessage is the text thrown into script for a host error. An
// exception coming back from a nested call keeps its original text.
func errorMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && (e.Kind == KindException || e.Kind == KindOutOfMemory) {
		return e.Detail
	}
	return err.Error()
}
