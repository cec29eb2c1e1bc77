package gojaengine

import (
	"reflect"
	"strconv"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

var (
	proxyType   = reflect.TypeOf(goja.Proxy{})
	promiseType = reflect.TypeOf((*goja.Promise)(nil))
)

func (e *Engine) GetGlobalObject(c abi.Context) abi.Value {
	cs := e.context(c)
	return e.wrap(cs, cs.vm.GlobalObject())
}

func (e *Engine) GetPropertyStr(c abi.Context, obj abi.Value, name string) abi.Value {
	cs := e.context(c)
	target := e.unwrap(cs, obj)
	return e.enter(cs, func() (goja.Value, error) {
		var result goja.Value
		ex := cs.vm.Try(func() {
			result = target.ToObject(cs.vm).Get(name)
		})
		if ex != nil {
			return nil, ex
		}
		return result, nil
	})
}

func (e *Engine) SetPropertyStr(c abi.Context, obj abi.Value, name string, v abi.Value) int32 {
	cs := e.context(c)
	defer e.FreeValue(c, v)

	target, ok := e.object(cs, obj)
	if !ok {
		e.ThrowError(c, "TypeError", "cannot set property '"+name+"' of non-object")
		return -1
	}
	value := e.unwrap(cs, v)
	var err error
	if !e.try(cs, func() { err = target.Set(name, value) }) {
		return -1
	}
	if err != nil {
		e.setPending(cs, err)
		return -1
	}
	return 1
}

func (e *Engine) GetPropertyUint32(c abi.Context, obj abi.Value, index uint32) abi.Value {
	cs := e.context(c)
	target := e.unwrap(cs, obj)
	return e.enter(cs, func() (goja.Value, error) {
		var result goja.Value
		ex := cs.vm.Try(func() {
			result = target.ToObject(cs.vm).Get(indexKey(index))
		})
		if ex != nil {
			return nil, ex
		}
		return result, nil
	})
}

func (e *Engine) SetPropertyUint32(c abi.Context, obj abi.Value, index uint32, v abi.Value) int32 {
	cs := e.context(c)
	defer e.FreeValue(c, v)

	target, ok := e.object(cs, obj)
	if !ok {
		e.ThrowError(c, "TypeError", "cannot set index of non-object")
		return -1
	}
	value := e.unwrap(cs, v)
	var err error
	if !e.try(cs, func() { err = target.Set(indexKey(index), value) }) {
		return -1
	}
	if err != nil {
		e.setPending(cs, err)
		return -1
	}
	return 1
}

func (e *Engine) GetLength(c abi.Context, obj abi.Value) int64 {
	cs := e.context(c)
	target := e.unwrap(cs, obj)
	var length int64
	ok := e.try(cs, func() {
		length = target.ToObject(cs.vm).Get("length").ToInteger()
	})
	if !ok {
		return -1
	}
	if length < 0 {
		length = 0
	}
	return length
}

func (e *Engine) GetOwnPropertyNames(c abi.Context, obj abi.Value, flags abi.PropertyFlags) (abi.PropertyEnum, uint32, bool) {
	cs := e.context(c)
	target, ok := e.object(cs, obj)
	if !ok {
		e.ThrowError(c, "TypeError", "not an object")
		return 0, 0, false
	}

	var keys []any
	ok = e.try(cs, func() {
		if flags&abi.PropertyStrings != 0 {
			var names []string
			if flags&abi.PropertyEnumerable != 0 {
				names = target.Keys()
			} else {
				names = target.GetOwnPropertyNames()
			}
			for _, name := range names {
				keys = append(keys, name)
			}
		}
		if flags&abi.PropertySymbols != 0 {
			for _, sym := range target.Symbols() {
				keys = append(keys, sym)
			}
		}
	})
	if !ok {
		return 0, 0, false
	}

	atoms := make([]abi.Atom, len(keys))
	for i, key := range keys {
		atoms[i] = e.atoms.intern(key)
	}
	e.nextEnum++
	e.enums[e.nextEnum] = atoms
	return e.nextEnum, uint32(len(atoms)), true
}

func (e *Engine) PropertyEnumAtom(c abi.Context, names abi.PropertyEnum, index uint32) abi.Atom {
	atoms := e.enums[names]
	if int(index) >= len(atoms) {
		return 0
	}
	return atoms[index]
}

func (e *Engine) FreePropertyEnum(c abi.Context, names abi.PropertyEnum, count uint32) {
	atoms, ok := e.enums[names]
	if !ok {
		return
	}
	for i := 0; i < int(count) && i < len(atoms); i++ {
		e.atoms.release(atoms[i])
	}
	delete(e.enums, names)
}

func (e *Engine) AtomToString(c abi.Context, atom abi.Atom) abi.Value {
	key, ok := e.atoms.lookup(atom)
	if !ok {
		return e.ThrowError(c, "InternalError", "invalid atom")
	}
	switch k := key.(type) {
	case string:
		return e.NewString(c, k)
	case *goja.Symbol:
		return e.NewString(c, k.String())
	}
	return abi.Undefined
}

func (e *Engine) GetProperty(c abi.Context, obj abi.Value, atom abi.Atom) abi.Value {
	cs := e.context(c)
	key, ok := e.atoms.lookup(atom)
	if !ok {
		return e.ThrowError(c, "InternalError", "invalid atom")
	}
	target := e.unwrap(cs, obj)
	return e.enter(cs, func() (goja.Value, error) {
		var result goja.Value
		ex := cs.vm.Try(func() {
			o := target.ToObject(cs.vm)
			switch k := key.(type) {
			case string:
				result = o.Get(k)
			case *goja.Symbol:
				result = o.GetSymbol(k)
			}
		})
		if ex != nil {
			return nil, ex
		}
		return result, nil
	})
}

func (e *Engine) Call(c abi.Context, fn, this abi.Value, args []abi.Value) abi.Value {
	cs := e.context(c)
	callable, ok := goja.AssertFunction(e.unwrap(cs, fn))
	if !ok {
		return e.ThrowError(c, "TypeError", "not a function")
	}
	thisValue := e.unwrap(cs, this)
	values := e.unwrapAll(cs, args)
	return e.run(cs, true, func() (goja.Value, error) {
		return callable(thisValue, values...)
	})
}

func (e *Engine) CallConstructor(c abi.Context, fn abi.Value, args []abi.Value) abi.Value {
	cs := e.context(c)
	ctor, ok := goja.AssertConstructor(e.unwrap(cs, fn))
	if !ok {
		return e.ThrowError(c, "TypeError", "not a constructor")
	}
	values := e.unwrapAll(cs, args)
	return e.run(cs, true, func() (goja.Value, error) {
		obj, err := ctor(nil, values...)
		if err != nil {
			return nil, err
		}
		return obj, nil
	})
}

func (e *Engine) unwrapAll(cs *contextState, args []abi.Value) []goja.Value {
	values := make([]goja.Value, len(args))
	for i := range args {
		values[i] = e.unwrap(cs, args[i])
	}
	return values
}

func (e *Engine) IsArray(c abi.Context, v abi.Value) bool {
	cs := e.context(c)
	obj, ok := e.object(cs, v)
	if !ok {
		return false
	}
	for {
		proxy, ok := asProxy(obj)
		if !ok {
			break
		}
		obj = proxy.Target()
		if obj == nil {
			return false
		}
	}
	return obj.ClassName() == "Array"
}

func (e *Engine) IsFunction(c abi.Context, v abi.Value) bool {
	_, ok := goja.AssertFunction(e.unwrap(e.context(c), v))
	return ok
}

func (e *Engine) IsPromise(c abi.Context, v abi.Value) bool {
	obj, ok := e.object(e.context(c), v)
	if !ok {
		return false
	}
	_, ok = asPromise(obj)
	return ok
}

func (e *Engine) IsInstanceOf(c abi.Context, v, ctor abi.Value) int32 {
	cs := e.context(c)
	constructor, ok := e.object(cs, ctor)
	if !ok {
		e.ThrowError(c, "TypeError", "invalid 'instanceof' right operand")
		return -1
	}
	left := e.unwrap(cs, v)
	var result bool
	if !e.try(cs, func() { result = cs.vm.InstanceOf(left, constructor) }) {
		return -1
	}
	if result {
		return 1
	}
	return 0
}

func (e *Engine) IsProxy(c abi.Context, v abi.Value) bool {
	obj, ok := e.object(e.context(c), v)
	if !ok {
		return false
	}
	_, ok = asProxy(obj)
	return ok
}

func (e *Engine) GetProxyTarget(c abi.Context, v abi.Value) abi.Value {
	cs := e.context(c)
	obj, ok := e.object(cs, v)
	if !ok {
		return e.ThrowError(c, "TypeError", "not a proxy")
	}
	proxy, ok := asProxy(obj)
	if !ok {
		return e.ThrowError(c, "TypeError", "not a proxy")
	}
	target := proxy.Target()
	if target == nil {
		return e.ThrowError(c, "TypeError", "revoked proxy")
	}
	return e.wrap(cs, target)
}

func (e *Engine) NewCFunctionData(c abi.Context, fn abi.FunctionID, length, magic int32, data []abi.Value) abi.Value {
	cs := e.context(c)
	host := e.hostFunction(fn)

	held := make([]abi.Value, len(data))
	for i := range data {
		held[i] = e.DupValue(c, data[i])
	}

	native := func(call goja.FunctionCall) goja.Value {
		this := e.wrap(cs, call.This)
		args := make([]abi.Value, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = e.wrap(cs, arg)
		}
		defer func() {
			e.FreeValue(c, this)
			for i := range args {
				e.FreeValue(c, args[i])
			}
		}()

		result := host(c, this, args, magic, held)
		if result.IsException() {
			panic(e.takePending(cs))
		}
		value := e.unwrap(cs, result)
		e.FreeValue(c, result)
		return value
	}

	obj := cs.vm.ToValue(native).(*goja.Object)
	_ = obj.DefineDataProperty("length", cs.vm.ToValue(length), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return e.wrap(cs, obj)
}

func indexKey(index uint32) string {
	return strconv.FormatUint(uint64(index), 10)
}

func asProxy(obj *goja.Object) (goja.Proxy, bool) {
	if obj.ExportType() != proxyType {
		return goja.Proxy{}, false
	}
	proxy, ok := obj.Export().(goja.Proxy)
	return proxy, ok
}

func asPromise(obj *goja.Object) (*goja.Promise, bool) {
	if obj.ExportType() != promiseType {
		return nil, false
	}
	promise, ok := obj.Export().(*goja.Promise)
	return promise, ok
}
