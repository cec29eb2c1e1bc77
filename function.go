package qjsbind

import (
	"github.com/qjsbind/qjsbind/abi"
)

// Function is a view of a callable object.
type Function struct {
	Object
}

func (f *Function) IntoValue() *OwnedValue {
	return f.OwnedValue
}

// Call calls f with this set to undefined. The arguments are consumed. A
// returned promise is not awaited; use Context.CallFunction or
// Context.Await for that.
func (f *Function) Call(args ...*OwnedValue) (*OwnedValue, error) {
	return f.CallThis(nil, args...)
}

// CallThis is Call with an explicit receiver. this is borrowed and may be
// nil for undefined.
func (f *Function) CallThis(this *OwnedValue, args ...*OwnedValue) (*OwnedValue, error) {
	raw := rawArgs(args)
	defer freeAll(args)

	receiver := abi.Undefined
	if this != nil {
		receiver = this.value
	}
	return f.ctx.wrap("call", f.ctx.engine.Call(f.ctx.c, f.value, receiver, raw))
}

// New calls f as a constructor. The arguments are consumed.
func (f *Function) New(args ...*OwnedValue) (*Object, error) {
	raw := rawArgs(args)
	defer freeAll(args)

	v, err := f.ctx.wrap("new", f.ctx.engine.CallConstructor(f.ctx.c, f.value, raw))
	if err != nil {
		return nil, err
	}
	obj, err := v.IntoObject()
	if err != nil {
		v.Free()
		return nil, err
	}
	return obj, nil
}

// Invoke converts args and calls f, awaiting a returned promise.
func (f *Function) Invoke(args ...any) (*OwnedValue, error) {
	values, err := f.ctx.toValues(args)
	if err != nil {
		return nil, err
	}
	result, err := f.Call(values...)
	if err != nil {
		return nil, err
	}
	return f.ctx.await("invoke", result)
}

func rawArgs(args []*OwnedValue) []abi.Value {
	raw := make([]abi.Value, len(args))
	for i, arg := range args {
		raw[i] = arg.value
	}
	return raw
}
