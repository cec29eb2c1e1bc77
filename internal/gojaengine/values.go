package gojaengine

import (
	"fmt"
	"math"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

func (e *Engine) heapValue(c abi.Context, tag abi.Tag, value any) abi.Value {
	return abi.Value{Tag: tag, Bits: uint64(e.heap.acquire(c, value))}
}

// wrap converts a goja value into an abi.Value carrying a new reference.
func (e *Engine) wrap(cs *contextState, gv goja.Value) abi.Value {
	switch v := gv.(type) {
	case nil:
		return abi.Undefined
	case *goja.Object:
		return e.heapValue(cs.id, abi.TagObject, v)
	case *goja.Symbol:
		return e.heapValue(cs.id, abi.TagSymbol, v)
	}

	switch {
	case goja.IsUndefined(gv):
		return abi.Undefined
	case goja.IsNull(gv):
		return abi.Null
	case goja.IsString(gv):
		return e.heapValue(cs.id, abi.TagString, gv)
	case goja.IsBigInt(gv):
		return e.heapValue(cs.id, abi.TagBigInt, gv)
	case goja.IsNumber(gv):
		switch n := gv.Export().(type) {
		case int64:
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return abi.Int32(int32(n))
			}
			return abi.Float64(float64(n))
		default:
			return abi.Float64(gv.ToFloat())
		}
	}

	if b, ok := gv.Export().(bool); ok {
		return abi.Bool(b)
	}

	return abi.Undefined
}

// unwrap returns the goja value behind v without touching its reference.
func (e *Engine) unwrap(cs *contextState, v abi.Value) goja.Value {
	switch v.Tag {
	case abi.TagInt:
		return cs.vm.ToValue(v.Int32())
	case abi.TagFloat64:
		return cs.vm.ToValue(v.Float64())
	case abi.TagBool:
		return cs.vm.ToValue(v.Bool())
	case abi.TagNull:
		return goja.Null()
	case abi.TagObject, abi.TagString, abi.TagSymbol, abi.TagBigInt:
		entry, err := e.heap.get(uint32(v.Bits))
		if err != nil {
			panic(fmt.Errorf("goja engine: use of released value %s: %w", v, err))
		}
		return entry.value.(goja.Value)
	}
	return goja.Undefined()
}

func (e *Engine) object(cs *contextState, v abi.Value) (*goja.Object, bool) {
	obj, ok := e.unwrap(cs, v).(*goja.Object)
	return obj, ok
}

func (e *Engine) DupValue(c abi.Context, v abi.Value) abi.Value {
	if !v.Tag.HasRefCount() {
		return v
	}
	if err := e.heap.incref(uint32(v.Bits)); err != nil {
		panic(fmt.Errorf("goja engine: dup of %s: %w", v, err))
	}
	return v
}

func (e *Engine) FreeValue(c abi.Context, v abi.Value) {
	if !v.Tag.HasRefCount() {
		return
	}
	// Values of a freed context are gone already, and their ids may have
	// been reused by another context.
	if _, ok := e.contexts[c]; !ok {
		return
	}
	entry, err := e.heap.get(uint32(v.Bits))
	if err == nil && entry.ctx != c {
		return
	}
	if err := e.heap.decref(uint32(v.Bits)); err != nil {
		panic(fmt.Errorf("goja engine: free of %s: %w", v, err))
	}
}

func (e *Engine) RefCount(c abi.Context, v abi.Value) int {
	if !v.Tag.HasRefCount() {
		return -1
	}
	entry, err := e.heap.get(uint32(v.Bits))
	if err != nil {
		return 0
	}
	return entry.refCount
}

func (e *Engine) NewString(c abi.Context, s string) abi.Value {
	cs := e.context(c)
	return e.wrap(cs, cs.vm.ToValue(s))
}

func (e *Engine) NewObject(c abi.Context) abi.Value {
	cs := e.context(c)
	return e.wrap(cs, cs.vm.NewObject())
}

func (e *Engine) NewArray(c abi.Context) abi.Value {
	cs := e.context(c)
	return e.wrap(cs, cs.vm.NewArray())
}

func (e *Engine) ToGoString(c abi.Context, v abi.Value) (string, bool) {
	cs := e.context(c)
	gv := e.unwrap(cs, v)
	if _, ok := gv.(*goja.Symbol); ok {
		e.ThrowError(c, "TypeError", "cannot convert symbol to string")
		return "", false
	}

	var s string
	ok := e.try(cs, func() {
		s = gv.String()
	})
	return s, ok
}

func (e *Engine) ToStringValue(c abi.Context, v abi.Value) abi.Value {
	s, ok := e.ToGoString(c, v)
	if !ok {
		return abi.Exception
	}
	return e.NewString(c, s)
}

func (e *Engine) JSONStringify(c abi.Context, v abi.Value) abi.Value {
	cs := e.context(c)
	gv := e.unwrap(cs, v)
	return e.enter(cs, func() (goja.Value, error) {
		stringify, err := e.builtin(cs, "JSON", "stringify")
		if err != nil {
			return nil, err
		}
		return stringify(goja.Undefined(), gv)
	})
}

// builtin looks up a function on a global object, e.g. JSON.stringify.
func (e *Engine) builtin(cs *contextState, global, name string) (goja.Callable, error) {
	var fn goja.Callable
	ex := cs.vm.Try(func() {
		holder := cs.vm.Get(global)
		if holder == nil {
			return
		}
		fn, _ = goja.AssertFunction(holder.ToObject(cs.vm).Get(name))
	})
	if ex != nil {
		return nil, ex
	}
	if fn == nil {
		return nil, fmt.Errorf("%s.%s is not a function", global, name)
	}
	return fn, nil
}
