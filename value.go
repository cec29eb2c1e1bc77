package qjsbind

import (
	"fmt"
	"math"

	"github.com/qjsbind/qjsbind/abi"
)

// OwnedValue holds exactly one reference to a foreign value. Every
// OwnedValue must be released with Free, or handed over to an operation
// documented as consuming it.
type OwnedValue struct {
	ctx   *Context
	value abi.Value
	gen   uint64
	freed bool
}

// Own wraps a borrowed handle, taking a new reference to it.
func Own(ctx *Context, v abi.Value) *OwnedValue {
	return &OwnedValue{ctx: ctx, value: ctx.engine.DupValue(ctx.c, v), gen: ctx.gen}
}

// NewOwned wraps a handle whose reference is transferred to the result.
func NewOwned(ctx *Context, v abi.Value) *OwnedValue {
	return &OwnedValue{ctx: ctx, value: v, gen: ctx.gen}
}

func (v *OwnedValue) Context() *Context {
	return v.ctx
}

// Raw returns the handle without touching its reference count.
func (v *OwnedValue) Raw() abi.Value {
	return v.value
}

func (v *OwnedValue) Tag() abi.Tag {
	return v.value.Tag
}

func (v *OwnedValue) Clone() *OwnedValue {
	return Own(v.ctx, v.value)
}

// Free releases the reference. Freeing twice is a no-op, and so is freeing
// a value that outlived a Reset or Close of its context.
func (v *OwnedValue) Free() {
	if v == nil || v.freed {
		return
	}
	v.freed = true
	if !v.live() {
		return
	}
	v.ctx.engine.FreeValue(v.ctx.c, v.value)
}

func (v *OwnedValue) live() bool {
	return !v.ctx.closed && v.gen == v.ctx.gen
}

// Extract gives up ownership without releasing. The caller becomes
// responsible for the reference.
func (v *OwnedValue) Extract() abi.Value {
	v.freed = true
	return v.value
}

// Replace releases the current reference and adopts h, whose reference is
// transferred.
func (v *OwnedValue) Replace(h abi.Value) {
	if !v.freed && v.live() {
		v.ctx.engine.FreeValue(v.ctx.c, v.value)
	}
	v.value = h
	v.gen = v.ctx.gen
	v.freed = false
}

// Equal compares identity, not structure.
func (v *OwnedValue) Equal(other *OwnedValue) bool {
	return other != nil && v.value == other.value
}

func (v *OwnedValue) RefCount() int {
	return v.ctx.engine.RefCount(v.ctx.c, v.value)
}

func (v *OwnedValue) IsUndefined() bool { return v.value.Tag == abi.TagUndefined }
func (v *OwnedValue) IsNull() bool      { return v.value.Tag == abi.TagNull }
func (v *OwnedValue) IsBool() bool      { return v.value.Tag == abi.TagBool }
func (v *OwnedValue) IsInt() bool       { return v.value.Tag == abi.TagInt }
func (v *OwnedValue) IsFloat() bool     { return v.value.Tag == abi.TagFloat64 }
func (v *OwnedValue) IsString() bool    { return v.value.Tag == abi.TagString }
func (v *OwnedValue) IsSymbol() bool    { return v.value.Tag == abi.TagSymbol }
func (v *OwnedValue) IsBigInt() bool    { return v.value.Tag == abi.TagBigInt }
func (v *OwnedValue) IsObject() bool    { return v.value.Tag == abi.TagObject }
func (v *OwnedValue) IsModule() bool    { return v.value.Tag == abi.TagModule }
func (v *OwnedValue) IsException() bool { return v.value.Tag == abi.TagException }

func (v *OwnedValue) IsCompiledFunction() bool {
	return v.value.Tag == abi.TagFunctionBytecode
}

func (v *OwnedValue) IsNumber() bool {
	return v.IsInt() || v.IsFloat()
}

func (v *OwnedValue) IsArray() bool {
	return v.IsObject() && v.ctx.engine.IsArray(v.ctx.c, v.value)
}

func (v *OwnedValue) IsFunction() bool {
	return v.IsObject() && v.ctx.engine.IsFunction(v.ctx.c, v.value)
}

func (v *OwnedValue) IsProxy() bool {
	return v.IsObject() && v.ctx.engine.IsProxy(v.ctx.c, v.value)
}

// ProxyTarget resolves the target of a proxy. With recursive set, proxies of
// proxies are followed to the innermost target.
func (v *OwnedValue) ProxyTarget(recursive bool) (*OwnedValue, error) {
	if !v.IsProxy() {
		return nil, unexpectedType("proxy target", "Proxy", v)
	}
	target, err := v.ctx.wrap("proxy target", v.ctx.engine.GetProxyTarget(v.ctx.c, v.value))
	if err != nil {
		return nil, err
	}
	for recursive && target.IsProxy() {
		next, err := v.ctx.wrap("proxy target", v.ctx.engine.GetProxyTarget(v.ctx.c, target.value))
		target.Free()
		if err != nil {
			return nil, err
		}
		target = next
	}
	return target, nil
}

func (v *OwnedValue) ToBool() (bool, error) {
	if !v.IsBool() {
		return false, unexpectedType("to bool", "Bool", v)
	}
	return v.value.Bool(), nil
}

// ToInt returns an Int value, or a Float64 value without fraction that fits
// an int32.
func (v *OwnedValue) ToInt() (int32, error) {
	switch v.value.Tag {
	case abi.TagInt:
		return v.value.Int32(), nil
	case abi.TagFloat64:
		f := v.value.Float64()
		if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
			return int32(f), nil
		}
		return 0, conversionError("to int", ErrUnexpectedType, "%v does not fit an int32", f)
	}
	return 0, unexpectedType("to int", "Int", v)
}

func (v *OwnedValue) ToFloat() (float64, error) {
	switch v.value.Tag {
	case abi.TagFloat64:
		return v.value.Float64(), nil
	case abi.TagInt:
		return float64(v.value.Int32()), nil
	}
	return 0, unexpectedType("to float", "Float64", v)
}

// ToString returns the contents of a String value.
func (v *OwnedValue) ToString() (string, error) {
	if !v.IsString() {
		return "", unexpectedType("to string", "String", v)
	}
	s, ok := v.ctx.engine.ToGoString(v.ctx.c, v.value)
	if !ok {
		return "", v.ctx.exception("to string")
	}
	return s, nil
}

// JSToString converts any value the way String(v) does in script.
func (v *OwnedValue) JSToString() (string, error) {
	s, ok := v.ctx.engine.ToGoString(v.ctx.c, v.value)
	if !ok {
		return "", v.ctx.exception("js to string")
	}
	return s, nil
}

// ToJSON returns JSON.stringify(v).
func (v *OwnedValue) ToJSON() (string, error) {
	result, err := v.ctx.wrap("to json", v.ctx.engine.JSONStringify(v.ctx.c, v.value))
	if err != nil {
		return "", err
	}
	defer result.Free()
	if result.IsUndefined() {
		return "undefined", nil
	}
	return result.ToString()
}

// ToSlice converts an array into its elements. The elements are owned by
// the caller.
func (v *OwnedValue) ToSlice() ([]*OwnedValue, error) {
	arr, err := v.Clone().IntoArray()
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	return arr.Elements()
}

// IntoObject converts v into an Object view. On success the view takes over
// v; on failure v is left to the caller.
func (v *OwnedValue) IntoObject() (*Object, error) {
	if !v.IsObject() {
		return nil, unexpectedType("into object", "Object", v)
	}
	return &Object{OwnedValue: v}, nil
}

func (v *OwnedValue) IntoArray() (*Array, error) {
	if !v.IsArray() {
		return nil, unexpectedType("into array", "Array", v)
	}
	return &Array{Object{OwnedValue: v}}, nil
}

func (v *OwnedValue) IntoFunction() (*Function, error) {
	if !v.IsFunction() {
		return nil, unexpectedType("into function", "Function", v)
	}
	return &Function{Object{OwnedValue: v}}, nil
}

func (v *OwnedValue) IntoPromise() (*Promise, error) {
	if !v.IsObject() || !(&Object{OwnedValue: v}).IsPromise() {
		return nil, unexpectedType("into promise", "Promise", v)
	}
	return &Promise{Object{OwnedValue: v}}, nil
}

func (v *OwnedValue) IntoModule() (*Module, error) {
	if !v.IsModule() {
		return nil, unexpectedType("into module", "Module", v)
	}
	return &Module{OwnedValue: v}, nil
}

func (v *OwnedValue) IntoCompiledFunction() (*CompiledFunction, error) {
	if !v.IsCompiledFunction() {
		return nil, unexpectedType("into compiled function", "FunctionBytecode", v)
	}
	return &CompiledFunction{OwnedValue: v}, nil
}

// String renders v for debugging. It never calls into script.
func (v *OwnedValue) String() string {
	switch v.value.Tag {
	case abi.TagInt:
		return fmt.Sprint(v.value.Int32())
	case abi.TagFloat64:
		return fmt.Sprint(v.value.Float64())
	case abi.TagBool:
		return fmt.Sprint(v.value.Bool())
	case abi.TagNull:
		return "null"
	case abi.TagUndefined:
		return "undefined"
	case abi.TagString:
		if s, ok := v.ctx.engine.ToGoString(v.ctx.c, v.value); ok {
			return fmt.Sprintf("%q", s)
		}
	}
	return v.value.String()
}
